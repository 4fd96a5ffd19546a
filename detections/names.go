package detections

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseNames reads the class table that YOLO exporters store in the model
// metadata under "names", e.g. "{0: 'wrench', 1: 'hammer'}". Both the dict
// and the list form are flow-style YAML.
func ParseNames(raw string) (map[int]string, error) {
	names := make(map[int]string)
	if err := yaml.Unmarshal([]byte(raw), &names); err == nil {
		return names, nil
	}

	var list []string
	if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parse class names %q: %w", raw, err)
	}
	for i, name := range list {
		names[i] = name
	}
	return names, nil
}

// LoadLabels reads a labels file with one class name per line; the line
// number is the class id.
func LoadLabels(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := make(map[int]string)
	scanner := bufio.NewScanner(f)
	for id := 0; scanner.Scan(); id++ {
		names[id] = strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return names, nil
}
