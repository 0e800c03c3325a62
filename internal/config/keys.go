package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Key is one setting of Config addressed by its dotted json path, such as
// server.url.
type Key struct {
	Name   string
	Kind   reflect.Kind
	Secret bool

	index []int
}

var keys = collectKeys(reflect.TypeOf(Config{}), "", nil)

// collectKeys walks the json-tagged fields of t. Nested structs contribute
// their fields under the parent's name.
func collectKeys(t reflect.Type, prefix string, index []int) []Key {
	var out []Key
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		idx := append(append([]int(nil), index...), i)
		if f.Type.Kind() == reflect.Struct {
			out = append(out, collectKeys(f.Type, name, idx)...)
			continue
		}
		out = append(out, Key{
			Name:   name,
			Kind:   f.Type.Kind(),
			Secret: f.Tag.Get("secret") == "true",
			index:  idx,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Keys returns every settable key, sorted by name.
func Keys() []Key {
	return append([]Key(nil), keys...)
}

// LookupKey finds a key by its dotted name.
func LookupKey(name string) (Key, bool) {
	i := sort.Search(len(keys), func(i int) bool { return keys[i].Name >= name })
	if i < len(keys) && keys[i].Name == name {
		return keys[i], true
	}
	return Key{}, false
}

// IsSecretKey reports whether the value under name is masked on display.
func IsSecretKey(name string) bool {
	k, ok := LookupKey(name)
	return ok && k.Secret
}

// Mask shows a secret as "***" followed by its last 4 characters. Empty
// values stay empty.
func Mask(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 4:
		return "***" + v
	default:
		return "***" + v[len(v)-4:]
	}
}

// Get returns the key's value in cfg.
func (k Key) Get(cfg *Config) any {
	return reflect.ValueOf(cfg).Elem().FieldByIndex(k.index).Interface()
}

// Set parses raw according to the key's kind and stores it in cfg.
func (k Key) Set(cfg *Config, raw string) error {
	f := reflect.ValueOf(cfg).Elem().FieldByIndex(k.index)
	switch k.Kind {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects a whole number, got %q", k.Name, raw)
		}
		f.SetInt(int64(n))
	default:
		return fmt.Errorf("%s has unsupported kind %s", k.Name, k.Kind)
	}
	return nil
}
