package bus

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MatchTopic reports whether topic matches filter. Filters use MQTT-style
// wildcards: "+" matches one level and a trailing "#" matches the rest.
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == "#" {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// TopicMapping binds a topic filter to an asset.
type TopicMapping struct {
	Filter  string `yaml:"filter" json:"filter"`
	AssetID string `yaml:"asset_id" json:"asset_id"`
}

type topicFile struct {
	Topics []TopicMapping `yaml:"topics"`
}

// TopicResolver maps inbound topics to asset ids. Explicit mappings win;
// otherwise topics of the form "<prefix>/<assetId>/..." resolve by position.
type TopicResolver struct {
	mu       sync.RWMutex
	mappings []TopicMapping
	prefix   string
}

// NewTopicResolver constructs a resolver. prefix defaults to "assets".
func NewTopicResolver(prefix string, mappings []TopicMapping) *TopicResolver {
	if prefix == "" {
		prefix = "assets"
	}
	r := &TopicResolver{prefix: prefix}
	r.Replace(mappings)
	return r
}

// LoadTopicMappings reads a yaml file with a top-level "topics" list.
func LoadTopicMappings(path string) ([]TopicMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file topicFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("bus: parse topic map: %w", err)
	}
	for i, m := range file.Topics {
		if m.Filter == "" || m.AssetID == "" {
			return nil, fmt.Errorf("bus: topic map entry %d: filter and asset_id required", i)
		}
	}
	return file.Topics, nil
}

// Replace swaps the explicit mappings.
func (r *TopicResolver) Replace(mappings []TopicMapping) {
	copied := make([]TopicMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.Filter == "" || m.AssetID == "" {
			continue
		}
		copied = append(copied, m)
	}
	r.mu.Lock()
	r.mappings = copied
	r.mu.Unlock()
}

// ResolveAsset returns the asset a topic belongs to.
func (r *TopicResolver) ResolveAsset(topic string) (string, bool) {
	if r == nil || topic == "" {
		return "", false
	}
	r.mu.RLock()
	for _, m := range r.mappings {
		if MatchTopic(m.Filter, topic) {
			r.mu.RUnlock()
			return m.AssetID, true
		}
	}
	r.mu.RUnlock()

	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) >= 2 && parts[0] == r.prefix && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

var errEmptyTopic = errors.New("bus: empty topic")
