package links

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

//go:embed url-shorteners.txt
var embeddedShorteners string

// ShortenerSet is a set of link shortener hostnames.
type ShortenerSet struct {
	hosts map[string]struct{}
}

// NewShortenerSet reads one hostname per line. Blank lines and lines starting
// with '#' are ignored.
func NewShortenerSet(r io.Reader) (*ShortenerSet, error) {
	set := &ShortenerSet{hosts: make(map[string]struct{})}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set.hosts[bareHost(line)] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read shortener list: %w", err)
	}
	return set, nil
}

var defaultShorteners = sync.OnceValue(func() *ShortenerSet {
	set, err := NewShortenerSet(strings.NewReader(embeddedShorteners))
	if err != nil {
		panic(err)
	}
	return set
})

// DefaultShorteners returns the built-in list. It is parsed once per process.
func DefaultShorteners() *ShortenerSet {
	return defaultShorteners()
}

// LoadShorteners reads the list at path, or returns the built-in list when
// path is empty.
func LoadShorteners(path string) (*ShortenerSet, error) {
	if path == "" {
		return DefaultShorteners(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shortener list: %w", err)
	}
	defer f.Close()
	return NewShortenerSet(f)
}

// Contains reports whether hostname is a known shortener, ignoring case and a
// leading "www.".
func (s *ShortenerSet) Contains(hostname string) bool {
	_, ok := s.hosts[bareHost(hostname)]
	return ok
}

// Len returns the number of hostnames in the set.
func (s *ShortenerSet) Len() int {
	return len(s.hosts)
}

func bareHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "www.")
}
