package upstream

import "net/http"

// stripCrossHostAuth is installed as http.Client.CheckRedirect. Blob
// responses are commonly redirected to third-party storage hosts; registry
// credentials must never follow them there.
func stripCrossHostAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return http.ErrUseLastResponse
	}
	if req.URL.Host != via[0].URL.Host {
		req.Header.Del("Authorization")
	}
	return nil
}
