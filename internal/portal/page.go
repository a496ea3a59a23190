package portal

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/parkpass/permitd/internal/permit"
)

// documentLinkPattern pulls permit document URLs out of the javascript hrefs
// the confirmation page renders instead of plain anchors.
var documentLinkPattern = regexp.MustCompile(`['"]([^'"]*(?:pdf|FileType=pdf)[^'"]*)['"]`)

// ParsePage extracts the page schema (first form, captcha image, document
// links) from a portal response body. pageURL is the final response URL and
// anchors relative references.
func ParsePage(pageURL string, statusCode int, body []byte) (permit.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return permit.Page{}, &permit.UnexpectedContentError{URL: pageURL, Reason: "response is not parseable HTML"}
	}

	page := permit.Page{
		URL:        pageURL,
		StatusCode: statusCode,
		Body:       append([]byte(nil), body...),
	}
	page.Form = extractForm(doc, pageURL)
	page.CaptchaURL = extractCaptchaURL(doc, pageURL)
	page.DocumentLinks = extractDocumentLinks(doc, pageURL)
	return page, nil
}

func extractForm(doc *goquery.Document, pageURL string) permit.Form {
	form := permit.Form{Method: "POST", Fields: map[string]string{}}
	sel := doc.Find("form").First()
	if sel.Length() == 0 {
		return permit.Form{}
	}
	if action, ok := sel.Attr("action"); ok {
		form.Action = resolveURL(pageURL, action)
	}
	if method, ok := sel.Attr("method"); ok && method != "" {
		form.Method = strings.ToUpper(method)
	}
	sel.Find("input, select, textarea").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := input.Attr("value")
		form.Fields[name] = value
	})
	return form
}

func extractCaptchaURL(doc *goquery.Document, pageURL string) string {
	img := doc.Find("img#captchaImg").First()
	if img.Length() == 0 {
		img = doc.Find("img").FilterFunction(func(_ int, s *goquery.Selection) bool {
			src, _ := s.Attr("src")
			return strings.Contains(strings.ToLower(src), "captcha")
		}).First()
	}
	src, ok := img.Attr("src")
	if !ok || src == "" {
		return ""
	}
	return resolveURL(pageURL, src)
}

func extractDocumentLinks(doc *goquery.Document, pageURL string) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(strings.ToLower(href), "javascript:") {
			return
		}
		match := documentLinkPattern.FindStringSubmatch(href)
		if match == nil {
			return
		}
		links = append(links, resolveURL(pageURL, match[1]))
	})
	return links
}

func resolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
