package rewrite

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// linkAttrs is the element/attribute table the HTML rewriter walks.
// form/action is special-cased: a missing action is set to the proxy URL
// of the current page so form posts re-enter the proxy.
var linkAttrs = map[string]string{
	"a":      "href",
	"link":   "href",
	"img":    "src",
	"script": "src",
	"iframe": "src",
	"source": "src",
	"video":  "src",
	"audio":  "src",
	"track":  "src",
	"form":   "action",
}

// HTML rewrites every link-bearing attribute in a document so embedded
// resources re-enter the proxy, resolving relative references against
// base. Unparseable input is returned unchanged.
func HTML(markup string, base *url.URL) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return markup
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			rewriteElement(n, base)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var out strings.Builder
	if err := html.Render(&out, doc); err != nil {
		return markup
	}
	return out.String()
}

func rewriteElement(n *html.Node, base *url.URL) {
	if attr, ok := linkAttrs[n.Data]; ok {
		found := false
		for i := range n.Attr {
			if n.Attr[i].Key == attr {
				n.Attr[i].Val = Value(n.Attr[i].Val, base)
				found = true
			}
		}
		if !found && attr == "action" {
			n.Attr = append(n.Attr, html.Attribute{Key: "action", Val: ProxyURL(base.String())})
		}
	}
	for i := range n.Attr {
		if n.Attr[i].Key == "srcset" {
			n.Attr[i].Val = rewriteSrcset(n.Attr[i].Val, base)
		}
	}
}

// rewriteSrcset rewrites each URL of a srcset value, keeping descriptors.
func rewriteSrcset(value string, base *url.URL) string {
	entries := strings.Split(value, ",")
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		fields[0] = Value(fields[0], base)
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}
