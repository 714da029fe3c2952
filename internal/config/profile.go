package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LiveProfile shapes the assistant on the remote speech endpoint.
type LiveProfile struct {
	SystemInstruction string `yaml:"system_instruction"`
	VoiceName         string `yaml:"voice_name"`
	LanguageCode      string `yaml:"language_code"`
}

func DefaultLiveProfile() LiveProfile {
	return LiveProfile{
		SystemInstruction: "You are a dive logging assistant. Ask the diver short questions " +
			"about their dive (site, maximum depth, bottom time, conditions, buddy and " +
			"wildlife) and confirm what you heard. Keep replies brief.",
		LanguageCode: "en-US",
	}
}

// LoadLiveProfile reads a YAML profile. Fields left empty keep their defaults.
func LoadLiveProfile(path string) (LiveProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LiveProfile{}, fmt.Errorf("failed to read live profile %s: %w", path, err)
	}
	var p LiveProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LiveProfile{}, fmt.Errorf("failed to parse live profile %s: %w", path, err)
	}

	def := DefaultLiveProfile()
	if strings.TrimSpace(p.SystemInstruction) == "" {
		p.SystemInstruction = def.SystemInstruction
	}
	if strings.TrimSpace(p.LanguageCode) == "" {
		p.LanguageCode = def.LanguageCode
	}
	p.VoiceName = strings.TrimSpace(p.VoiceName)
	return p, nil
}
