package prompt

import (
	"os"
	"path/filepath"
	"strings"
)

const DefaultTriggerWord = "lestarge"

const DefaultSystemTemplate = "You write prompts for a FLUX image model fine-tuned on a person called {trigger_word}.\n\nTurn the user's request into one detailed English prompt. Describe the subject, setting, composition, lighting, camera and mood. If the request involves a person, that person is {trigger_word}.\n\nStart the prompt with the word {trigger_word}. Output only the prompt, without quotes or commentary."

const DefaultImageSystemTemplate = "You write prompts for a FLUX image model fine-tuned on a person called {trigger_word}.\n\nYou receive a detailed description of a reference image. Write one English prompt that recreates the scene with {trigger_word} as the main person, keeping composition, colours, lighting, clothing and atmosphere.\n\nStart the prompt with the word {trigger_word}. Output only the prompt, without quotes or commentary."

const DefaultDescribeInstruction = "Describe this image in as much detail as possible: objects, people, colours, composition, lighting, emotions and atmosphere. Focus on visual details that would help recreate a similar image."

// RenderTemplate substitutes {name} placeholders from vars.
func RenderTemplate(template string, vars map[string]string) string {
	rendered := template
	for key, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", value)
	}
	return rendered
}

// ResolveTemplate picks a system prompt: the override text, then the file
// named by envVar, then <projectDir>/.fluxsweep/<name>, then fallback.
func ResolveTemplate(override, envVar, projectDir, name, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}

	if envVar != "" {
		if path := os.Getenv(envVar); strings.TrimSpace(path) != "" {
			if data, err := os.ReadFile(path); err == nil {
				return string(data)
			}
		}
	}

	if strings.TrimSpace(projectDir) != "" && name != "" {
		candidate := filepath.Join(projectDir, ".fluxsweep", name)
		if data, err := os.ReadFile(candidate); err == nil {
			return string(data)
		}
	}

	return fallback
}

// WithTriggerWord prefixes prompt with word unless it already starts with it,
// ignoring case.
func WithTriggerWord(prompt, word string) string {
	prompt = strings.TrimSpace(prompt)
	word = strings.TrimSpace(word)
	if word == "" {
		return prompt
	}
	if strings.HasPrefix(strings.ToLower(prompt), strings.ToLower(word)) {
		return prompt
	}
	if prompt == "" {
		return word
	}
	return word + " " + prompt
}
