// Package ordering computes the deterministic order in which uploaded images
// are turned into video segments.
//
// Filenames are grouped by their base label; a trailing parenthesised
// number before the extension ("Shot (2).png") marks a numbered variant of
// that base. Within a group the plain base sorts first and numbered
// variants follow in ascending numeric order.
package ordering

import (
	"errors"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrNoImages is returned when there is nothing to order.
var ErrNoImages = errors.New("no images to order")

// sequenceSuffix matches "<base> (<n>)<ext>" where ext is optional.
var sequenceSuffix = regexp.MustCompile(`^(.*?)\s*\((\d+)\)(\.[^.()]*)?$`)

// ImageAsset is a filename split into its base label and optional sequence number.
type ImageAsset struct {
	// Filename is the original name as uploaded.
	Filename string
	// BaseName is the label used for primary ordering.
	BaseName string
	// Sequence is the parsed "(n)" suffix. Only meaningful when HasSequence is true.
	Sequence int
	// HasSequence reports whether the filename carried a "(n)" suffix.
	HasSequence bool
}

// Parse splits a filename into an ImageAsset.
func Parse(filename string) ImageAsset {
	name := filepath.Base(filename)
	if m := sequenceSuffix.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return ImageAsset{
				Filename:    filename,
				BaseName:    strings.TrimRight(m[1], " \t"),
				Sequence:    n,
				HasSequence: true,
			}
		}
	}
	return ImageAsset{
		Filename: filename,
		BaseName: strings.TrimSuffix(name, filepath.Ext(name)),
	}
}

// Resolver orders filenames using locale-aware collation of base names.
// A zero Resolver collates with the root (undetermined) locale.
type Resolver struct {
	tag language.Tag
}

// NewResolver returns a Resolver that collates base names for the given language.
func NewResolver(tag language.Tag) *Resolver {
	return &Resolver{tag: tag}
}

// NewResolverForLang parses a BCP 47 language string; an empty or invalid
// value falls back to the root locale.
func NewResolverForLang(lang string) *Resolver {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		tag = language.Und
	}
	return NewResolver(tag)
}

// Resolve parses and orders the filenames. Entries that compare equal keep
// their input order.
func (r *Resolver) Resolve(filenames []string) ([]ImageAsset, error) {
	if len(filenames) == 0 {
		return nil, ErrNoImages
	}

	assets := make([]ImageAsset, len(filenames))
	for i, name := range filenames {
		assets[i] = Parse(name)
	}

	// collate.Collator keeps internal buffers, so each call gets its own.
	c := collate.New(r.language())
	sort.SliceStable(assets, func(i, j int) bool {
		return less(c, assets[i], assets[j])
	})
	return assets, nil
}

// Less reports whether a sorts before b under the resolver's collation.
func (r *Resolver) Less(a, b ImageAsset) bool {
	return less(collate.New(r.language()), a, b)
}

// Filenames returns the ordered filenames of the assets.
func Filenames(assets []ImageAsset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Filename
	}
	return out
}

// Resolve orders filenames with the root locale.
func Resolve(filenames []string) ([]ImageAsset, error) {
	return (&Resolver{}).Resolve(filenames)
}

func (r *Resolver) language() language.Tag {
	if r == nil {
		return language.Und
	}
	return r.tag
}

func less(c *collate.Collator, a, b ImageAsset) bool {
	if cmp := c.CompareString(a.BaseName, b.BaseName); cmp != 0 {
		return cmp < 0
	}
	switch {
	case !a.HasSequence && !b.HasSequence:
		return false
	case !a.HasSequence:
		return true
	case !b.HasSequence:
		return false
	default:
		return a.Sequence < b.Sequence
	}
}
