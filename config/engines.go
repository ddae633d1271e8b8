package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EngineProfile holds site specific overrides for one (language, engine) pair.
type EngineProfile struct {
	Env       map[string]string `yaml:"env"`
	ExtraArgs []string          `yaml:"extra_args"`
	Dir       string            `yaml:"dir"`
}

// EngineProfiles maps "<language>/<engine>" to its profile.
type EngineProfiles map[string]EngineProfile

type engineProfilesYaml struct {
	Engines []struct {
		Language  string            `yaml:"language"`
		Engine    string            `yaml:"engine"`
		Env       map[string]string `yaml:"env"`
		ExtraArgs []string          `yaml:"extra_args"`
		Dir       string            `yaml:"dir"`
	} `yaml:"engines"`
}

// LoadEngineProfiles reads the optional engine profile file named by
// XFL_ENGINE_CONFIG. A missing setting yields an empty set.
func LoadEngineProfiles(appConfig *AppConfig, logger *zap.Logger) (EngineProfiles, error) {
	if appConfig.EngineConfigPath == "" {
		return EngineProfiles{}, nil
	}
	content, err := os.ReadFile(appConfig.EngineConfigPath)
	if err != nil {
		logger.Error("Failed to read engine profiles", zap.String("path", appConfig.EngineConfigPath), zap.Error(err))
		return nil, err
	}
	profiles, err := ParseEngineProfiles(content)
	if err != nil {
		logger.Error("Failed to parse engine profiles", zap.String("path", appConfig.EngineConfigPath), zap.Error(err))
		return nil, err
	}
	logger.Debug("engine profiles loaded", zap.Int("count", len(profiles)))
	return profiles, nil
}

func ParseEngineProfiles(content []byte) (EngineProfiles, error) {
	var doc engineProfilesYaml
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine profiles: %w", err)
	}
	profiles := make(EngineProfiles, len(doc.Engines))
	for _, e := range doc.Engines {
		if e.Language == "" || e.Engine == "" {
			return nil, fmt.Errorf("engine profile needs both language and engine, got %q/%q", e.Language, e.Engine)
		}
		profiles[ProfileKey(e.Language, e.Engine)] = EngineProfile{
			Env:       e.Env,
			ExtraArgs: e.ExtraArgs,
			Dir:       e.Dir,
		}
	}
	return profiles, nil
}

func ProfileKey(language, engine string) string {
	return strings.ToLower(language) + "/" + engine
}

// Lookup returns the profile for the pair, if any.
func (p EngineProfiles) Lookup(language, engine string) (EngineProfile, bool) {
	profile, ok := p[ProfileKey(language, engine)]
	return profile, ok
}
