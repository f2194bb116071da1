package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Default engine paging limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// BuiltinSnapshot returns the built-in clinical catalog. A deployment can
// overlay or replace entries with a schema file loaded at startup.
func BuiltinSnapshot() *Snapshot {
	types := map[string]*TypeDef{}

	add := func(td *TypeDef) {
		for name, p := range td.Params {
			p.Name = name
		}
		types[td.Name] = td
	}

	add(&TypeDef{
		Name: "Patient",
		Params: map[string]*ParamDef{
			"name":       {Kind: KindString, Paths: []string{"name.family", "name.given", "name.text"}},
			"family":     {Kind: KindString, Paths: []string{"name.family"}},
			"given":      {Kind: KindString, Paths: []string{"name.given"}},
			"gender":     {Kind: KindToken, Paths: []string{"gender"}},
			"birthdate":  {Kind: KindDate, Paths: []string{"birthDate"}},
			"identifier": {Kind: KindToken, Paths: []string{"identifier"}},
			"active":     {Kind: KindToken, Paths: []string{"active"}},
		},
		Rules: []FieldRule{
			{Path: "name", Array: true},
			{Path: "identifier", Array: true},
		},
	})

	add(&TypeDef{
		Name: "Practitioner",
		Params: map[string]*ParamDef{
			"name":       {Kind: KindString, Paths: []string{"name.family", "name.given", "name.text"}},
			"family":     {Kind: KindString, Paths: []string{"name.family"}},
			"identifier": {Kind: KindToken, Paths: []string{"identifier"}},
		},
		Rules: []FieldRule{{Path: "name", Array: true}},
	})

	add(&TypeDef{
		Name: "Organization",
		Params: map[string]*ParamDef{
			"name":       {Kind: KindString, Paths: []string{"name"}},
			"type":       {Kind: KindToken, Paths: []string{"type"}},
			"active":     {Kind: KindToken, Paths: []string{"active"}},
			"identifier": {Kind: KindToken, Paths: []string{"identifier"}},
		},
	})

	add(&TypeDef{
		Name: "Encounter",
		Params: map[string]*ParamDef{
			"subject":      {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"practitioner": {Kind: KindReference, Paths: []string{"participant.individual"}, Targets: []string{"Practitioner"}},
			"status":       {Kind: KindToken, Paths: []string{"status"}},
			"class":        {Kind: KindToken, Paths: []string{"class"}},
			"date":         {Kind: KindDate, Paths: []string{"period.start"}},
		},
		Rules:             []FieldRule{{Path: "status", Required: true}},
		CompartmentParams: []string{"subject"},
	})

	add(&TypeDef{
		Name: "Observation",
		Params: map[string]*ParamDef{
			"subject":   {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"encounter": {Kind: KindReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			"performer": {Kind: KindReference, Paths: []string{"performer"}, Targets: []string{"Practitioner", "Organization"}},
			"code":      {Kind: KindToken, Paths: []string{"code"}},
			"category":  {Kind: KindToken, Paths: []string{"category"}},
			"status":    {Kind: KindToken, Paths: []string{"status"}},
			"date": {Kind: KindDate, Variants: []Variant{
				{Path: "effectiveDateTime", Kind: KindDate},
				{Path: "effectivePeriod.start", Kind: KindDate},
			}},
			"value-quantity": {Kind: KindQuantity, Paths: []string{"valueQuantity"}},
			"value-string":   {Kind: KindString, Paths: []string{"valueString"}},
			"value-concept":  {Kind: KindToken, Paths: []string{"valueCodeableConcept"}},
			"code-value-quantity": {Kind: KindComposite, Components: []Component{
				{Path: "code", Kind: KindToken},
				{Path: "valueQuantity", Kind: KindQuantity},
			}},
		},
		Rules:             []FieldRule{{Path: "status", Required: true}, {Path: "code", Required: true}},
		CompartmentParams: []string{"subject"},
		TransitiveVia:     "encounter",
	})

	add(&TypeDef{
		Name: "Condition",
		Params: map[string]*ParamDef{
			"subject":         {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"encounter":       {Kind: KindReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			"code":            {Kind: KindToken, Paths: []string{"code"}},
			"clinical-status": {Kind: KindToken, Paths: []string{"clinicalStatus"}},
			"category":        {Kind: KindToken, Paths: []string{"category"}},
			"onset-date":      {Kind: KindDate, Paths: []string{"onsetDateTime"}},
		},
		Rules:             []FieldRule{{Path: "subject", Required: true}},
		CompartmentParams: []string{"subject"},
		TransitiveVia:     "encounter",
	})

	add(&TypeDef{
		Name: "MedicationRequest",
		Params: map[string]*ParamDef{
			"subject":    {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"encounter":  {Kind: KindReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			"requester":  {Kind: KindReference, Paths: []string{"requester"}, Targets: []string{"Practitioner"}},
			"medication": {Kind: KindToken, Paths: []string{"medicationCodeableConcept"}},
			"status":     {Kind: KindToken, Paths: []string{"status"}},
			"intent":     {Kind: KindToken, Paths: []string{"intent"}},
			"authoredon": {Kind: KindDate, Paths: []string{"authoredOn"}},
		},
		Rules:             []FieldRule{{Path: "status", Required: true}, {Path: "subject", Required: true}},
		CompartmentParams: []string{"subject"},
		TransitiveVia:     "encounter",
	})

	add(&TypeDef{
		Name: "DiagnosticReport",
		Params: map[string]*ParamDef{
			"subject":   {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"encounter": {Kind: KindReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			"result":    {Kind: KindReference, Paths: []string{"result"}, Targets: []string{"Observation"}},
			"code":      {Kind: KindToken, Paths: []string{"code"}},
			"status":    {Kind: KindToken, Paths: []string{"status"}},
			"date":      {Kind: KindDate, Paths: []string{"effectiveDateTime"}},
		},
		Rules:             []FieldRule{{Path: "status", Required: true}},
		CompartmentParams: []string{"subject"},
		TransitiveVia:     "encounter",
	})

	add(&TypeDef{
		Name: "AllergyIntolerance",
		Params: map[string]*ParamDef{
			"patient":         {Kind: KindReference, Paths: []string{"patient"}, Targets: []string{"Patient"}, Hard: true},
			"code":            {Kind: KindToken, Paths: []string{"code"}},
			"clinical-status": {Kind: KindToken, Paths: []string{"clinicalStatus"}},
			"criticality":     {Kind: KindToken, Paths: []string{"criticality"}},
		},
		CompartmentParams: []string{"patient"},
	})

	add(&TypeDef{
		Name: "Procedure",
		Params: map[string]*ParamDef{
			"subject":   {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"encounter": {Kind: KindReference, Paths: []string{"encounter"}, Targets: []string{"Encounter"}},
			"code":      {Kind: KindToken, Paths: []string{"code"}},
			"status":    {Kind: KindToken, Paths: []string{"status"}},
			"date":      {Kind: KindDate, Paths: []string{"performedDateTime"}},
		},
		Rules:             []FieldRule{{Path: "status", Required: true}},
		CompartmentParams: []string{"subject"},
		TransitiveVia:     "encounter",
	})

	add(&TypeDef{
		Name: "DocumentReference",
		Params: map[string]*ParamDef{
			"subject": {Kind: KindReference, Paths: []string{"subject"}, Targets: []string{"Patient"}, Hard: true},
			"status":  {Kind: KindToken, Paths: []string{"status"}},
			"type":    {Kind: KindToken, Paths: []string{"type"}},
			"date":    {Kind: KindDate, Paths: []string{"date"}},
			"url":     {Kind: KindURI, Paths: []string{"content.attachment.url"}},
		},
		CompartmentParams: []string{"subject"},
	})

	return &Snapshot{
		Types:           types,
		CompartmentType: "Patient",
		DefaultPageSize: DefaultPageSize,
		MaxPageSize:     MaxPageSize,
	}
}

// fileSchema is the on-disk overlay format: a list of type definitions plus
// optional limits.
type fileSchema struct {
	DefaultPageSize int        `json:"defaultPageSize,omitempty"`
	MaxPageSize     int        `json:"maxPageSize,omitempty"`
	Types           []*TypeDef `json:"types"`
}

// LoadFile reads a schema overlay file and merges it over the built-in
// catalog. Types in the file replace built-in types of the same name.
func LoadFile(path string) (*Snapshot, error) {
	base := BuiltinSnapshot()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}

	var fs fileSchema
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}

	for _, td := range fs.Types {
		if td.Name == "" {
			return nil, fmt.Errorf("schema file %s: type with empty name", path)
		}
		for name, p := range td.Params {
			p.Name = name
		}
		base.Types[td.Name] = td
	}
	if fs.DefaultPageSize > 0 {
		base.DefaultPageSize = fs.DefaultPageSize
	}
	if fs.MaxPageSize > 0 {
		base.MaxPageSize = fs.MaxPageSize
	}

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return base, nil
}
