// Package geodat reads accelerated domain patterns out of a v2ray
// geosite.dat file.
package geodat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/urlesistiana/v2dat/v2data"
	"google.golang.org/protobuf/proto"
)

// category is a geosite tag with an optional "@attr" filter.
type category struct {
	tag   string
	attrs []string
}

func parseCategory(s string) category {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "@")
	c := category{tag: parts[0]}
	for _, a := range parts[1:] {
		if a != "" {
			c.attrs = append(c.attrs, a)
		}
	}
	return c
}

func (c category) keep(d *v2data.Domain) bool {
	if len(c.attrs) == 0 {
		return true
	}
	for _, want := range c.attrs {
		found := false
		for _, a := range d.GetAttribute() {
			if strings.EqualFold(a.GetKey(), want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LoadDomainsFromCategories returns matcher patterns for every domain listed
// under the given categories. Unknown categories are ignored.
func LoadDomainsFromCategories(path string, categories []string) ([]string, error) {
	if path == "" || len(categories) == 0 {
		return nil, nil
	}

	byTag := make(map[string][]category)
	for _, s := range categories {
		c := parseCategory(s)
		if c.tag == "" {
			continue
		}
		byTag[c.tag] = append(byTag[c.tag], c)
	}

	var patterns []string
	err := walkGeoSite(path, func(tag string, msg []byte) (bool, error) {
		cats, ok := byTag[tag]
		if !ok {
			return false, nil
		}
		var gs v2data.GeoSite
		if err := proto.Unmarshal(msg, &gs); err != nil {
			return false, fmt.Errorf("decode category %s: %w", tag, err)
		}
		for _, d := range gs.GetDomain() {
			if !slices.ContainsFunc(cats, func(c category) bool { return c.keep(d) }) {
				continue
			}
			if p := toPattern(d); p != "" {
				patterns = append(patterns, p)
			}
		}
		delete(byTag, tag)
		return len(byTag) == 0, nil
	})
	if err != nil {
		return nil, err
	}
	return patterns, nil
}

// ListCategories returns every tag present in the file, sorted.
func ListCategories(path string) ([]string, error) {
	var tags []string
	err := walkGeoSite(path, func(tag string, _ []byte) (bool, error) {
		tags = append(tags, tag)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(tags)
	return slices.Compact(tags), nil
}

func toPattern(d *v2data.Domain) string {
	v := strings.ToLower(strings.TrimSpace(d.GetValue()))
	if v == "" {
		return ""
	}
	switch d.GetType() {
	case v2data.Domain_Plain:
		return "keyword:" + v
	case v2data.Domain_Regex:
		return "regexp:" + d.GetValue()
	case v2data.Domain_Full:
		return "full:" + v
	default:
		return v
	}
}

// walkGeoSite streams the top-level GeoSite records of a GeoSiteList without
// decoding the ones visit is not interested in. visit returns true to stop.
func walkGeoSite(path string, visit func(tag string, msg []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 32*1024)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if b != 0x0A {
			return fmt.Errorf("unexpected wire tag %02X", b)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return err
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return err
		}
		tag, err := countryCode(msg)
		if err != nil {
			return err
		}
		stop, err := visit(tag, msg)
		if err != nil || stop {
			return err
		}
	}
}

func countryCode(msg []byte) (string, error) {
	if len(msg) == 0 || msg[0] != 0x0A {
		return "", fmt.Errorf("geosite record without country code")
	}
	l, n := binary.Uvarint(msg[1:])
	if n <= 0 {
		return "", fmt.Errorf("bad varint")
	}
	start := 1 + n
	end := start + int(l)
	if end > len(msg) {
		return "", fmt.Errorf("country code truncated")
	}
	return strings.ToLower(string(msg[start:end])), nil
}
