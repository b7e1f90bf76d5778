package provider

import (
	"net/http"
	"net/url"
)

// Request describes one outbound call relative to the provider endpoint.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Header http.Header
}

// SPARQL builds a form-encoded POST carrying query, asking for JSON results.
func SPARQL(query string) Request {
	return Request{
		Method: http.MethodPost,
		Form:   url.Values{"query": {query}},
		Header: http.Header{"Accept": {"application/sparql-results+json"}},
	}
}

// JSON builds a GET against path with the given query string.
func JSON(path string, query url.Values) Request {
	if query == nil {
		query = url.Values{}
	}
	if query.Get("fmt") == "" {
		query.Set("fmt", "json")
	}
	return Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
		Header: http.Header{"Accept": {"application/json"}},
	}
}
