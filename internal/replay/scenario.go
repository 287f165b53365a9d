package replay

import (
	"fmt"
	"os"

	"displayconfig/display"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of display topology changes
type Scenario struct {
	Name    string        `yaml:"name"`
	Policy  string        `yaml:"policy"`
	Initial []DisplaySpec `yaml:"initial"`
	Steps   []Step        `yaml:"steps"`
}

// DisplaySpec describes one display in a scenario file
type DisplaySpec struct {
	ID       string        `yaml:"id"`
	Origin   display.Point `yaml:"origin"`
	Size     display.Size  `yaml:"size"`
	Mirrored bool          `yaml:"mirrored"`
	Primary  bool          `yaml:"primary"`
}

// Snapshot converts the spec
func (d DisplaySpec) Snapshot() display.Snapshot {
	return display.Snapshot{
		ID:       display.Identity(d.ID),
		Origin:   d.Origin,
		Size:     d.Size,
		Mirrored: d.Mirrored,
		Primary:  d.Primary,
	}
}

// Step changes the display list and then raises one signal. A nil Displays
// keeps the previous list; an empty one removes every display. Fail makes
// the enumeration triggered by this step's signal fail.
type Step struct {
	Name     string        `yaml:"name"`
	Displays []DisplaySpec `yaml:"displays"`
	Fail     string        `yaml:"fail"`
	Signal   SignalSpec    `yaml:"signal"`
}

// Snapshots converts the step's displays
func (s Step) Snapshots() []display.Snapshot {
	return toSnapshots(s.Displays)
}

// SignalSpec is the raw signal a step emits
type SignalSpec struct {
	Source string `yaml:"source"`
	Code   uint32 `yaml:"code"`
	Flags  uint32 `yaml:"flags"`
	Hint   string `yaml:"hint"`
}

// RawSignal converts the spec. The source defaults to synthetic.
func (s SignalSpec) RawSignal() display.RawSignal {
	src := display.SignalSource(s.Source)
	if src == "" {
		src = display.SourceSynthetic
	}
	return display.RawSignal{
		Source: src,
		Code:   s.Code,
		Flags:  s.Flags,
		Hint:   display.Identity(s.Hint),
	}
}

// InitialSnapshots converts the initial display list
func (sc *Scenario) InitialSnapshots() []display.Snapshot {
	return toSnapshots(sc.Initial)
}

func toSnapshots(specs []DisplaySpec) []display.Snapshot {
	snaps := make([]display.Snapshot, 0, len(specs))
	for _, d := range specs {
		snaps = append(snaps, d.Snapshot())
	}
	return snaps
}

// Parse decodes a YAML scenario and validates display identities
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses a scenario file
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}

func (sc *Scenario) validate() error {
	check := func(where string, specs []DisplaySpec) error {
		seen := make(map[string]bool, len(specs))
		for _, d := range specs {
			if d.ID == "" {
				return fmt.Errorf("%s: display without id", where)
			}
			if seen[d.ID] {
				return fmt.Errorf("%s: duplicate display id %q", where, d.ID)
			}
			seen[d.ID] = true
		}
		return nil
	}

	if err := check("initial", sc.Initial); err != nil {
		return err
	}
	for i, step := range sc.Steps {
		if err := check(fmt.Sprintf("step %d", i+1), step.Displays); err != nil {
			return err
		}
	}
	return nil
}
