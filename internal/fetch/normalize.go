// normalize.go — HTML normalization for cheap-check fingerprinting.
// Strips everything that varies between equivalent page loads: scripts,
// styles, comments, noise-named attributes, cookie-consent containers,
// asset build hashes, and CSS-in-JS class tokens. The output is a stable
// lowercase string; two loads of an unchanged page must normalize
// identically even when the server rotates tokens and tracking ids.
package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/forecourt/oemwatch/internal/detect"
)

// Elements that never carry content signal.
const strippedElements = "script, style, noscript, template, iframe, svg, " +
	"link[rel=preload], link[rel=prefetch], link[rel=modulepreload]"

// Containers injected by consent managers; their markup mutates per load.
const consentContainers = "#onetrust-consent-sdk, #onetrust-banner-sdk, " +
	"[id*=cookie-banner], [class*=cookie-banner], [class*=cookie-consent], " +
	"[id*=consent-manager], [class*=consent-banner], #CybotCookiebotDialog"

var (
	// app.3f9c2d1ab.js / main.a1b2c3d4.css style content hashes.
	assetHashRe = regexp.MustCompile(`\.[0-9a-f]{8,}\.(js|css|woff2?|png|jpg|webp|svg)`)
	// cache-busting query strings on asset references.
	assetQueryRe = regexp.MustCompile(`\?(v|ver|version|t|ts|cb|cache|build|h|hash)=[^"'\s&]*`)
	// CSS-in-JS generated class tokens.
	classHashRe = regexp.MustCompile(`^(css|sc|jsx|svelte|emotion)-[A-Za-z0-9_]+$`)
	// attribute values that are plainly runtime tokens (long hex/base64).
	tokenValueRe = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{32,}$`)
	wsRe         = regexp.MustCompile(`\s+`)
)

// attrs dropped unconditionally: security/runtime plumbing.
var droppedAttrs = map[string]bool{
	"nonce":     true,
	"integrity": true,
}

// Normalize reduces raw HTML to its stable content skeleton.
func Normalize(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find(strippedElements).Remove()
	doc.Find(consentContainers).Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		kept := node.Attr[:0]
		for _, a := range node.Attr {
			if dropAttr(a.Key, a.Val) {
				continue
			}
			a.Val = normalizeAttrValue(a.Key, a.Val)
			kept = append(kept, a)
		}
		node.Attr = kept
	})

	for _, root := range doc.Selection.Nodes {
		stripComments(root)
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	out = strings.ToLower(out)
	out = wsRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out), nil
}

// Fingerprint hashes a normalized document.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// dropAttr decides whether an attribute disappears entirely. Noise-named
// attributes (data-csrf-token, data-session-id, data-analytics...) share the
// detector's pattern table; value-shaped tokens catch the rest.
func dropAttr(key, val string) bool {
	if droppedAttrs[key] {
		return true
	}
	if detect.IsNoiseField(key) {
		return true
	}
	if strings.HasPrefix(key, "data-") && tokenValueRe.MatchString(val) {
		return true
	}
	return false
}

// normalizeAttrValue rewrites values that embed build artifacts.
func normalizeAttrValue(key, val string) string {
	switch key {
	case "href", "src", "srcset", "poster", "data-src":
		val = assetHashRe.ReplaceAllString(val, ".$1")
		val = assetQueryRe.ReplaceAllString(val, "")
	case "class":
		tokens := strings.Fields(val)
		kept := tokens[:0]
		for _, tok := range tokens {
			if classHashRe.MatchString(tok) {
				continue
			}
			kept = append(kept, tok)
		}
		val = strings.Join(kept, " ")
	}
	return val
}

// stripComments removes comment nodes in place, depth first.
func stripComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			stripComments(c)
		}
		c = next
	}
}
