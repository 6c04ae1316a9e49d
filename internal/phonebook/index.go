// Package phonebook resolves phone numbers to contacts from the router's
// phonebook and keeps that data fresh.
package phonebook

import "strings"

// UnknownName is the contact name used when a number has no phonebook entry.
const UnknownName = "unknown"

// Contact is a resolved phonebook identity.
type Contact struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	VIP    bool   `json:"vip"`
}

// Unknown returns the sentinel contact for number.
func Unknown(number string) Contact {
	return Contact{Name: UnknownName, Number: number}
}

// IsUnknown reports whether c is the unknown-contact sentinel.
func (c Contact) IsUnknown() bool {
	return c.Name == UnknownName
}

// Entry is a raw phonebook record as delivered by the router.
type Entry struct {
	Name    string
	Numbers []string
	VIP     bool
}

// Index maps normalized numbers to contacts. It is never modified after
// Build returns.
type Index struct {
	contacts map[string]Contact
	prefixes []string
}

// Build creates an Index from raw entries. Entries without a name or
// without any number are skipped. When two entries share a number the later
// one wins.
func Build(entries []Entry, prefixes []string) *Index {
	idx := &Index{
		contacts: make(map[string]Contact),
		prefixes: append([]string(nil), prefixes...),
	}
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		for _, n := range e.Numbers {
			key := Normalize(n)
			if key == "" {
				continue
			}
			idx.contacts[key] = Contact{Name: name, Number: key, VIP: e.VIP}
		}
	}
	return idx
}

// Lookup resolves number. An exact match wins; otherwise each prefix is
// tried in order, first prepended to the number as-is and then to the
// number with its leading zeros stripped. Lookup never fails: a miss
// returns the unknown contact carrying the number as given.
func (idx *Index) Lookup(number string) Contact {
	key := Normalize(number)
	if c, ok := idx.contacts[key]; ok {
		return c
	}
	if key == "" || len(idx.prefixes) == 0 {
		return Unknown(number)
	}
	stripped := strings.TrimLeft(key, "0")
	for _, p := range idx.prefixes {
		if c, ok := idx.contacts[p+key]; ok {
			return c
		}
		if c, ok := idx.contacts[p+stripped]; ok {
			return c
		}
	}
	return Unknown(number)
}

// Len returns the number of indexed numbers.
func (idx *Index) Len() int {
	return len(idx.contacts)
}

// Prefixes returns a copy of the configured prefix list.
func (idx *Index) Prefixes() []string {
	return append([]string(nil), idx.prefixes...)
}

// Normalize strips everything but digits and '+' from a phone number.
func Normalize(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
