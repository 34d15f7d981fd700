package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Concept describes one canonical clinical item and the external code
// systems it is known under. The canonical key is the item id the feature
// schema references.
type Concept struct {
	Display string `yaml:"display" json:"display"`
	SNOMED  string `yaml:"snomed" json:"snomed"`
	LOINC   string `yaml:"loinc" json:"loinc"`
	ICD10   string `yaml:"icd10" json:"icd10"`
	Unit    string `yaml:"unit,omitempty" json:"unit,omitempty"`
}

type Catalog struct {
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`

	byCode map[string]string
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	cat.buildIndex()
	return cat, nil
}

func (c Catalog) Lookup(key string) (Concept, bool) {
	if c.Concepts == nil {
		return Concept{}, false
	}
	concept, ok := c.Concepts[strings.ToLower(key)]
	if ok {
		return concept, true
	}
	for k, v := range c.Concepts {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return Concept{}, false
}

// Resolve maps an incoming item identifier, canonical or any known
// external code, to the canonical item id the feature schema uses.
func (c Catalog) Resolve(code string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(code))
	if key == "" {
		return "", false
	}
	if _, ok := c.Concepts[key]; ok {
		return key, true
	}
	if item, ok := c.byCode[key]; ok {
		return item, true
	}
	return "", false
}

func (c *Catalog) buildIndex() {
	c.byCode = make(map[string]string)
	for item, concept := range c.Concepts {
		for _, code := range []string{concept.SNOMED, concept.LOINC, concept.ICD10} {
			if code != "" {
				c.byCode[strings.ToLower(code)] = item
			}
		}
	}
}

func DefaultCatalog() Catalog {
	cat := Catalog{Concepts: map[string]Concept{
		"heart_rate": {
			Display: "Heart Rate",
			SNOMED:  "364075005",
			LOINC:   "8867-4",
			Unit:    "bpm",
		},
		"sbp": {
			Display: "Systolic Blood Pressure",
			SNOMED:  "271649006",
			LOINC:   "8480-6",
			Unit:    "mmHg",
		},
		"dbp": {
			Display: "Diastolic Blood Pressure",
			SNOMED:  "271650006",
			LOINC:   "8462-4",
			Unit:    "mmHg",
		},
		"spo2": {
			Display: "Oxygen Saturation",
			SNOMED:  "431314004",
			LOINC:   "59408-5",
			Unit:    "%",
		},
		"lactate": {
			Display: "Serum Lactate",
			SNOMED:  "83036002",
			LOINC:   "2524-7",
			Unit:    "mmol/L",
		},
		"creatinine": {
			Display: "Serum Creatinine",
			SNOMED:  "70901006",
			LOINC:   "2160-0",
			Unit:    "mg/dL",
		},
		"wbc": {
			Display: "White Blood Cell Count",
			SNOMED:  "767002",
			LOINC:   "6690-2",
			Unit:    "K/uL",
		},
	}}
	cat.buildIndex()
	return cat
}
