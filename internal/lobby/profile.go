package lobby

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the static definition of a managed lobby, loaded from YAML.
type Profile struct {
	Name string `yaml:"name"`
	// Title is used with !mp make when Channel is empty.
	Title string `yaml:"title"`
	// Channel joins an existing #mp_<id> lobby instead of creating one.
	Channel      string `yaml:"channel"`
	Password     string `yaml:"password"`
	Size         int    `yaml:"size"`           // 1-16
	TeamMode     int    `yaml:"team_mode"`      // 0 HeadToHead, 1 TagCoop, 2 TeamVs, 3 TagTeamVs
	WinCondition int    `yaml:"win_condition"`  // 0 Score, 1 Accuracy, 2 Combo, 3 ScoreV2
	Mods         string `yaml:"mods"`           // argument to !mp mods, e.g. "Freemod"
	Script       string `yaml:"script"`         // Lua behavior, relative to the profile file
	Record       bool   `yaml:"record_matches"` // persist finished matches
}

// Validate reports every problem with p in one error.
func (p Profile) Validate() error {
	var errs []string
	if p.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	if p.Title == "" && p.Channel == "" {
		errs = append(errs, "one of title or channel is required")
	}
	if p.Channel != "" {
		if _, ok := ParseMatchChannel(p.Channel); !ok {
			errs = append(errs, fmt.Sprintf("channel %q is not a #mp_<id> channel", p.Channel))
		}
	}
	if p.Size < 0 || p.Size > 16 {
		errs = append(errs, fmt.Sprintf("size must be between 1 and 16, got %d", p.Size))
	}
	if p.TeamMode < 0 || p.TeamMode > 3 {
		errs = append(errs, fmt.Sprintf("team_mode must be between 0 and 3, got %d", p.TeamMode))
	}
	if p.WinCondition < 0 || p.WinCondition > 3 {
		errs = append(errs, fmt.Sprintf("win_condition must be between 0 and 3, got %d", p.WinCondition))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadProfiles reads every *.yaml and *.yml file in dir as a Profile.
// Script paths are resolved relative to dir.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns profiles sorted by name, or an error if any file
// fails to parse or validate, or two profiles share a name.
func LoadProfiles(dir string) ([]Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %q: %w", dir, err)
	}
	var out []Profile
	seen := make(map[string]string)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		var p Profile
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid profile %q: %w", path, err)
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("profile %q defined in both %q and %q", p.Name, prev, path)
		}
		seen[p.Name] = path
		if p.Script != "" && !filepath.IsAbs(p.Script) {
			p.Script = filepath.Join(dir, p.Script)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ParseMatchChannel extracts the match id of a #mp_<id> channel name.
func ParseMatchChannel(channel string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.ToLower(channel), "#mp_")
	if !ok || rest == "" {
		return 0, false
	}
	var id int64
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int64(r-'0')
	}
	return id, id > 0
}
