// Package oracle supplies the words of a challenge and judges translations.
package oracle

import (
	_ "embed"
	"encoding/json"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotEnoughWords is returned when more distinct words are requested than
// the dictionary holds.
var ErrNotEnoughWords = errors.New("not enough words")

// Oracle picks challenge words and decides whether a translation is correct.
type Oracle interface {
	NextWords(count int) ([]string, error)
	Judge(term, candidate string) bool
}

//go:embed words.json
var embedded []byte

// Dictionary is an Oracle backed by a term -> accepted translations table.
type Dictionary struct {
	terms   []string
	answers map[string]map[string]struct{}

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewDictionary builds a dictionary from entries. Terms without any
// translation are ignored.
func NewDictionary(entries map[string][]string, seed uint64) *Dictionary {
	d := &Dictionary{
		answers: make(map[string]map[string]struct{}, len(entries)),
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for term, translations := range entries {
		set := make(map[string]struct{}, len(translations))
		for _, tr := range translations {
			if n := normalize(tr); n != "" {
				set[n] = struct{}{}
			}
		}
		if len(set) == 0 || strings.TrimSpace(term) == "" {
			continue
		}
		d.terms = append(d.terms, term)
		d.answers[term] = set
	}
	sort.Strings(d.terms)
	return d
}

// Embedded returns the built-in Italian to English dictionary.
func Embedded(seed uint64) (*Dictionary, error) {
	return parse(embedded, seed)
}

// LoadFile reads a JSON object mapping each term to its accepted
// translations.
func LoadFile(path string, seed uint64) (*Dictionary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "oracle: read dictionary")
	}
	return parse(b, seed)
}

func parse(b []byte, seed uint64) (*Dictionary, error) {
	var entries map[string][]string
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errors.Wrap(err, "oracle: decode dictionary")
	}
	d := NewDictionary(entries, seed)
	if len(d.terms) == 0 {
		return nil, errors.New("oracle: dictionary is empty")
	}
	return d, nil
}

// Len returns the number of terms.
func (d *Dictionary) Len() int { return len(d.terms) }

// NextWords returns count distinct terms in random order.
func (d *Dictionary) NextWords(count int) ([]string, error) {
	if count < 0 || count > len(d.terms) {
		return nil, errors.Wrapf(ErrNotEnoughWords, "oracle: want %d, have %d", count, len(d.terms))
	}
	d.mu.Lock()
	perm := d.rnd.Perm(len(d.terms))
	d.mu.Unlock()

	out := make([]string, count)
	for i := range out {
		out[i] = d.terms[perm[i]]
	}
	return out, nil
}

// Judge accepts candidate when it matches one of the term's translations,
// ignoring case and surrounding spaces.
func (d *Dictionary) Judge(term, candidate string) bool {
	set, ok := d.answers[term]
	if !ok {
		return false
	}
	_, ok = set[normalize(candidate)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
