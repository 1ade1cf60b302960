package routing

import "net/http"

// Request is the per-request snapshot the engine evaluates.
type Request struct {
	Path    string
	Host    string
	Cookies map[string]string
}

// RequestFromHTTP snapshots the parts of r the engine reads. When a cookie
// name repeats, the first occurrence wins, matching (*http.Request).Cookie.
func RequestFromHTTP(r *http.Request) Request {
	cookies := r.Cookies()
	jar := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if _, dup := jar[c.Name]; dup {
			continue
		}
		jar[c.Name] = c.Value
	}

	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}
	return Request{
		Path:    path,
		Host:    r.Host,
		Cookies: jar,
	}
}
