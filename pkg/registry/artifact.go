package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Resource types the registry accepts.
const (
	TypeStructureDefinition = "StructureDefinition"
	TypeValueSet            = "ValueSet"
	TypeCodeSystem          = "CodeSystem"
)

// StructureDefinition.Derivation values.
const (
	DerivationSpecialization = "specialization"
	DerivationConstraint     = "constraint"
)

// KindResource is StructureDefinition.kind for resources.
const KindResource = "resource"

var (
	// ErrMissingURL is returned when an artifact has no canonical url.
	ErrMissingURL = errors.New("artifact has no canonical url")

	// ErrUnsupportedResource is returned for JSON that is not a
	// StructureDefinition, ValueSet or CodeSystem.
	ErrUnsupportedResource = errors.New("unsupported resource type")
)

// Artifact is one of *StructureDefinition, *ValueSet or *CodeSystem.
// Artifacts are immutable once handed to the registry.
type Artifact interface {
	ResourceType() string
	CanonicalURL() string
	CanonicalVersion() string
	ArtifactName() string
	sealed()
}

// StructureDefinition is a lightweight view of a FHIR StructureDefinition.
// Only the fields the validators read are decoded; element JSON is kept raw
// so fixed[x] and pattern[x] can be read for any type.
type StructureDefinition struct {
	ID             string             `json:"id"`
	URL            string             `json:"url"`
	Version        string             `json:"version"`
	Name           string             `json:"name"`
	Kind           string             `json:"kind"`
	Abstract       bool               `json:"abstract"`
	Type           string             `json:"type"`
	BaseDefinition string             `json:"baseDefinition"`
	Derivation     string             `json:"derivation"`
	Context        []ExtensionContext `json:"context,omitempty"`
	Snapshot       *ElementList       `json:"snapshot,omitempty"`
	Differential   *ElementList       `json:"differential,omitempty"`
}

func (*StructureDefinition) sealed() {}
func (*StructureDefinition) ResourceType() string { return TypeStructureDefinition }
func (sd *StructureDefinition) CanonicalURL() string { return sd.URL }
func (sd *StructureDefinition) CanonicalVersion() string { return sd.Version }
func (sd *StructureDefinition) ArtifactName() string { return sd.Name }

// ExtensionContext says where an extension may be used.
type ExtensionContext struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// ElementList is a snapshot or differential element list.
type ElementList struct {
	Element []ElementDefinition `json:"element"`
}

// UnmarshalJSON keeps each element's raw JSON.
func (l *ElementList) UnmarshalJSON(data []byte) error {
	var raw struct {
		Element []json.RawMessage `json:"element"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Element = make([]ElementDefinition, len(raw.Element))
	for i, elemRaw := range raw.Element {
		if err := json.Unmarshal(elemRaw, &l.Element[i]); err != nil {
			return err
		}
		l.Element[i].raw = elemRaw
	}
	return nil
}

// Elements returns the snapshot elements, or the differential when the
// definition carries no snapshot.
func (sd *StructureDefinition) Elements() []ElementDefinition {
	if sd.Snapshot != nil && len(sd.Snapshot.Element) > 0 {
		return sd.Snapshot.Element
	}
	if sd.Differential != nil {
		return sd.Differential.Element
	}
	return nil
}

// Root returns the element whose path is the definition's type.
func (sd *StructureDefinition) Root() *ElementDefinition {
	elems := sd.Elements()
	for i := range elems {
		if elems[i].Path == sd.Type && elems[i].SliceName == "" {
			return &elems[i]
		}
	}
	if len(elems) > 0 {
		return &elems[0]
	}
	return nil
}

// ElementByID returns the element with the given id, e.g. "Extension.extension:ombCategory".
func (sd *StructureDefinition) ElementByID(id string) *ElementDefinition {
	elems := sd.Elements()
	for i := range elems {
		if elems[i].ID == id {
			return &elems[i]
		}
	}
	return nil
}

// ElementDefinition is one node of a StructureDefinition's element tree.
type ElementDefinition struct {
	ID               string      `json:"id"`
	Path             string      `json:"path"`
	SliceName        string      `json:"sliceName,omitempty"`
	Min              int         `json:"min"`
	Max              string      `json:"max"`
	Type             []Type      `json:"type,omitempty"`
	Binding          *Binding    `json:"binding,omitempty"`
	Slicing          *Slicing    `json:"slicing,omitempty"`
	IsModifier       bool        `json:"isModifier,omitempty"`
	ContentReference string      `json:"contentReference,omitempty"`
	Constraint       []Invariant `json:"constraint,omitempty"`

	raw json.RawMessage
}

// NewElement builds an element from its JSON form. It is used by tests and
// by callers that assemble slices programmatically.
func NewElement(data []byte) (ElementDefinition, error) {
	var ed ElementDefinition
	if err := json.Unmarshal(data, &ed); err != nil {
		return ed, fmt.Errorf("decode element: %w", err)
	}
	ed.raw = append(json.RawMessage(nil), data...)
	return ed, nil
}

// MustElement is NewElement for literals known to be valid.
func MustElement(data string) ElementDefinition {
	ed, err := NewElement([]byte(data))
	if err != nil {
		panic(err)
	}
	return ed
}

// Fixed returns the fixed[x] value and its type suffix, e.g. ("Uri").
func (ed *ElementDefinition) Fixed() (json.RawMessage, string, bool) {
	return extractPrefixedValue(ed.raw, "fixed")
}

// Pattern returns the pattern[x] value and its type suffix.
func (ed *ElementDefinition) Pattern() (json.RawMessage, string, bool) {
	return extractPrefixedValue(ed.raw, "pattern")
}

// Unbounded reports whether max is "*".
func (ed *ElementDefinition) Unbounded() bool {
	return ed.Max == "*" || ed.Max == ""
}

// Prohibited reports whether max is "0".
func (ed *ElementDefinition) Prohibited() bool {
	return ed.Max == "0"
}

// TypeCodes returns the allowed type codes in declaration order.
func (ed *ElementDefinition) TypeCodes() []string {
	out := make([]string, 0, len(ed.Type))
	for _, t := range ed.Type {
		out = append(out, t.Code)
	}
	return out
}

// extractPrefixedValue finds a key such as fixedUri or patternCoding.
func extractPrefixedValue(raw json.RawMessage, prefix string) (json.RawMessage, string, bool) {
	if raw == nil {
		return nil, "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, "", false
	}
	for key, value := range obj {
		suffix, ok := strings.CutPrefix(key, prefix)
		if ok && suffix != "" && suffix[0] >= 'A' && suffix[0] <= 'Z' {
			return value, suffix, true
		}
	}
	return nil, "", false
}

// Type is an allowed type of an element.
type Type struct {
	Code          string   `json:"code"`
	Profile       []string `json:"profile,omitempty"`
	TargetProfile []string `json:"targetProfile,omitempty"`
}

// Binding ties a coded element to a value set.
type Binding struct {
	Strength string `json:"strength"`
	ValueSet string `json:"valueSet"`
}

// Slicing declares how a repeating element is partitioned.
type Slicing struct {
	Discriminator []Discriminator `json:"discriminator,omitempty"`
	Ordered       bool            `json:"ordered,omitempty"`
	Rules         string          `json:"rules"`
}

// Discriminator selects the slice a value belongs to.
type Discriminator struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Invariant is a FHIRPath constraint on an element.
type Invariant struct {
	Key        string `json:"key"`
	Severity   string `json:"severity"`
	Human      string `json:"human"`
	Expression string `json:"expression"`
}

// ValueSet is a lightweight FHIR ValueSet.
type ValueSet struct {
	URL       string     `json:"url"`
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Compose   *Compose   `json:"compose,omitempty"`
	Expansion *Expansion `json:"expansion,omitempty"`
}

func (*ValueSet) sealed() {}
func (*ValueSet) ResourceType() string { return TypeValueSet }
func (vs *ValueSet) CanonicalURL() string { return vs.URL }
func (vs *ValueSet) CanonicalVersion() string { return vs.Version }
func (vs *ValueSet) ArtifactName() string { return vs.Name }

// Compose holds include and exclude rules.
type Compose struct {
	Include []Include `json:"include,omitempty"`
	Exclude []Include `json:"exclude,omitempty"`
}

// Include selects codes from a system and/or other value sets.
type Include struct {
	System   string           `json:"system,omitempty"`
	Version  string           `json:"version,omitempty"`
	Concept  []IncludeConcept `json:"concept,omitempty"`
	Filter   []Filter         `json:"filter,omitempty"`
	ValueSet []string         `json:"valueSet,omitempty"`
}

// IncludeConcept is an explicitly listed code.
type IncludeConcept struct {
	Code        string        `json:"code"`
	Display     string        `json:"display,omitempty"`
	Designation []Designation `json:"designation,omitempty"`
}

// Filter selects codes by property.
type Filter struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    string `json:"value"`
}

// Expansion is a pre-computed list of value set members.
type Expansion struct {
	Contains []Contains `json:"contains,omitempty"`
}

// Contains is one expansion entry; entries nest.
type Contains struct {
	System   string     `json:"system,omitempty"`
	Version  string     `json:"version,omitempty"`
	Code     string     `json:"code,omitempty"`
	Display  string     `json:"display,omitempty"`
	Abstract bool       `json:"abstract,omitempty"`
	Contains []Contains `json:"contains,omitempty"`
}

// CodeSystem is a lightweight FHIR CodeSystem.
type CodeSystem struct {
	URL           string    `json:"url"`
	Version       string    `json:"version"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	CaseSensitive bool      `json:"caseSensitive,omitempty"`
	Concept       []Concept `json:"concept,omitempty"`
}

func (*CodeSystem) sealed() {}
func (*CodeSystem) ResourceType() string { return TypeCodeSystem }
func (cs *CodeSystem) CanonicalURL() string { return cs.URL }
func (cs *CodeSystem) CanonicalVersion() string { return cs.Version }
func (cs *CodeSystem) ArtifactName() string { return cs.Name }

// Concept is a code system concept; concepts form a forest.
type Concept struct {
	Code        string        `json:"code"`
	Display     string        `json:"display,omitempty"`
	Definition  string        `json:"definition,omitempty"`
	Designation []Designation `json:"designation,omitempty"`
	Concept     []Concept     `json:"concept,omitempty"`
}

// Designation is an alternative display for a concept.
type Designation struct {
	Language string `json:"language,omitempty"`
	Value    string `json:"value"`
}

// FindConcept searches the concept forest for code.
func (cs *CodeSystem) FindConcept(code string) *Concept {
	return findConcept(cs.Concept, code)
}

func findConcept(concepts []Concept, code string) *Concept {
	for i := range concepts {
		if concepts[i].Code == code {
			return &concepts[i]
		}
		if found := findConcept(concepts[i].Concept, code); found != nil {
			return found
		}
	}
	return nil
}

// Descendant finds code among the concepts nested below c.
func (c *Concept) Descendant(code string) *Concept {
	return findConcept(c.Concept, code)
}

// Displays returns the concept's display followed by its designation values.
func (c *Concept) Displays() []string {
	out := make([]string, 0, 1+len(c.Designation))
	if c.Display != "" {
		out = append(out, c.Display)
	}
	for _, d := range c.Designation {
		if d.Value != "" {
			out = append(out, d.Value)
		}
	}
	return out
}

// ParseArtifact decodes a StructureDefinition, ValueSet or CodeSystem.
func ParseArtifact(data []byte) (Artifact, error) {
	var peek struct {
		ResourceType string `json:"resourceType"`
		URL          any    `json:"url"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if u, ok := peek.URL.(string); !ok || u == "" {
		if isSupported(peek.ResourceType) {
			return nil, fmt.Errorf("%s: %w", peek.ResourceType, ErrMissingURL)
		}
	}

	var (
		art Artifact
		err error
	)
	switch peek.ResourceType {
	case TypeStructureDefinition:
		var sd StructureDefinition
		err = json.Unmarshal(data, &sd)
		art = &sd
	case TypeValueSet:
		var vs ValueSet
		err = json.Unmarshal(data, &vs)
		art = &vs
	case TypeCodeSystem:
		var cs CodeSystem
		err = json.Unmarshal(data, &cs)
		art = &cs
	default:
		return nil, fmt.Errorf("%q: %w", peek.ResourceType, ErrUnsupportedResource)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", peek.ResourceType, err)
	}
	return art, nil
}

func isSupported(resourceType string) bool {
	switch resourceType {
	case TypeStructureDefinition, TypeValueSet, TypeCodeSystem:
		return true
	default:
		return false
	}
}
