// Package obfuscation applies a semantics-preserving transform to HTML/JS
// payloads so identical completions do not hash-match across miners. The
// content is minified with a randomized option subset, its parsed tree is
// perturbed with decoy elements and attributes, and the result is optionally
// wrapped in random comment banners.
package obfuscation

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"
	"golang.org/x/net/html"
)

const (
	// DefaultTimeout bounds a single obfuscation pass. On timeout the input
	// is returned unchanged; callers never see an error.
	DefaultTimeout = 30 * time.Second

	letters       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lettersDigits = letters + "0123456789"
)

// Obfuscator perturbs HTML content using a seedable RNG so tests can pin
// the output.
type Obfuscator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns an obfuscator driven by rng. Pass rand.New(rand.NewSource(...))
// for reproducible output, or nil to seed from the clock.
func New(rng *rand.Rand) *Obfuscator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Obfuscator{rng: rng}
}

// Obfuscate minifies and perturbs htmlContent. It never fails: a parse or
// render problem falls back to the minified content, any internal panic to
// simple minification.
func (o *Obfuscator) Obfuscate(htmlContent string) (out string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = simpleMinify(htmlContent)
		}
	}()

	minified := o.minify(htmlContent)

	doc, err := html.Parse(strings.NewReader(minified))
	if err != nil {
		return minified
	}
	o.applyTechniques(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return minified
	}
	obfuscated := buf.String()

	if o.rng.Float64() < 0.5 {
		obfuscated = o.addEnclosingComments(obfuscated)
	}
	return obfuscated
}

// ObfuscateWithTimeout runs Obfuscate under a wall-clock budget. When the
// budget lapses the input is returned unchanged and the in-flight pass is
// abandoned.
func (o *Obfuscator) ObfuscateWithTimeout(htmlContent string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	done := make(chan string, 1)
	go func() {
		done <- o.Obfuscate(htmlContent)
	}()

	select {
	case out := <-done:
		return out
	case <-time.After(timeout):
		return htmlContent
	}
}

// minify collapses the markup with a random subset of minifier options.
// End tags are always kept so the structure survives.
func (o *Obfuscator) minify(content string) string {
	m := minify.New()
	m.Add("text/html", &minhtml.Minifier{
		KeepEndTags:         true,
		KeepComments:        o.rng.Float64() < 0.5,
		KeepDocumentTags:    o.rng.Float64() < 0.5,
		KeepQuotes:          o.rng.Float64() < 0.5,
		KeepWhitespace:      o.rng.Float64() < 0.5,
		KeepDefaultAttrVals: o.rng.Float64() < 0.5,
	})

	out, err := m.String("text/html", content)
	if err != nil {
		return strings.TrimSpace(content)
	}
	return out
}

// applyTechniques runs 1-N tree perturbations in random order.
func (o *Obfuscator) applyTechniques(doc *html.Node) {
	techniques := []func(*html.Node){
		o.addRandomAttributes,
		o.addDummyElements,
		o.shuffleAttributes,
	}
	o.rng.Shuffle(len(techniques), func(i, j int) {
		techniques[i], techniques[j] = techniques[j], techniques[i]
	})
	n := 1 + o.rng.Intn(len(techniques))
	for _, t := range techniques[:n] {
		t(doc)
	}
}

// addRandomAttributes injects a junk attribute on roughly 30% of elements.
func (o *Obfuscator) addRandomAttributes(doc *html.Node) {
	walkElements(doc, func(n *html.Node) {
		if o.rng.Float64() >= 0.3 {
			return
		}
		n.Attr = append(n.Attr, html.Attribute{
			Key: strings.ToLower(o.randomString(5)),
			Val: o.randomString(8),
		})
	})
}

// addDummyElements appends 1-5 hidden div decoys as the last children of
// body, so they land right before the closing tag.
func (o *Obfuscator) addDummyElements(doc *html.Node) {
	parent := findElement(doc, "body")
	if parent == nil {
		parent = doc
	}

	for i := 0; i < 1+o.rng.Intn(5); i++ {
		decoy := &html.Node{
			Type: html.ElementNode,
			Data: "div",
			Attr: []html.Attribute{{Key: "style", Val: "display:none;"}},
		}
		decoy.AppendChild(&html.Node{
			Type: html.TextNode,
			Data: o.randomString(20),
		})
		parent.AppendChild(decoy)
	}
}

// shuffleAttributes reorders the attributes inside each element.
func (o *Obfuscator) shuffleAttributes(doc *html.Node) {
	walkElements(doc, func(n *html.Node) {
		if len(n.Attr) < 2 {
			return
		}
		o.rng.Shuffle(len(n.Attr), func(i, j int) {
			n.Attr[i], n.Attr[j] = n.Attr[j], n.Attr[i]
		})
	})
}

func (o *Obfuscator) addEnclosingComments(content string) string {
	return fmt.Sprintf("<!-- %s -->\n%s\n<!-- %s -->",
		o.randomString(16), content, o.randomString(16))
}

// randomString returns a random identifier starting with a letter.
func (o *Obfuscator) randomString(length int) string {
	b := make([]byte, length)
	b[0] = letters[o.rng.Intn(len(letters))]
	for i := 1; i < length; i++ {
		b[i] = lettersDigits[o.rng.Intn(len(lettersDigits))]
	}
	return string(b)
}

// walkElements visits every element node in document order.
func walkElements(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

// simpleMinify is the fallback when a full pass blows up: strip blank lines
// and edge whitespace without touching the markup.
func simpleMinify(content string) string {
	lines := strings.Split(content, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
