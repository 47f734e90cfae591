// Package scrape pulls attribute values out of server-rendered HTML pages.
package scrape

import (
	"bytes"

	"golang.org/x/net/html"
)

// Attr finds the first <tag> element whose match attribute equals value and
// returns its want attribute, with HTML entities already decoded.
//
//	Attr(body, "meta", "name", "ol-csrfToken", "content")
func Attr(body []byte, tag, match, value, want string) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a read error, either way nothing more to find
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			if t.Data != tag {
				continue
			}
			if got, ok := attr(t, match); !ok || got != value {
				continue
			}
			return attr(t, want)
		}
	}
}

func attr(t html.Token, key string) (string, bool) {
	for _, a := range t.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// CSRFToken returns the anti-forgery token of a login page. Both the form
// field and the meta tag used by newer page layouts are recognised.
func CSRFToken(body []byte) (string, bool) {
	if tok, ok := Attr(body, "input", "name", "_csrf", "value"); ok && tok != "" {
		return tok, true
	}
	if tok, ok := Attr(body, "meta", "name", "ol-csrfToken", "content"); ok && tok != "" {
		return tok, true
	}
	return "", false
}
