package worker

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
)

// Language describes how to compile and run submissions of one
// language. Compile and Run are shell-style command templates expanded
// per invocation:
//
//	{src}  first source file
//	{srcs} all source files in order
//	{exe}  the executable name
type Language struct {
	Name    string   `yaml:"name"`
	ExeName string   `yaml:"exe_name"`
	Compile string   `yaml:"compile"`
	Run     string   `yaml:"run"`
	Env     []string `yaml:"env,omitempty"`
}

// CompileCommand expands the compile template for the given source
// files.
func (l Language) CompileCommand(srcs []string) ([]string, error) {
	return expandTemplate(l.Compile, srcs, l.ExeName)
}

// RunCommand expands the run template.
func (l Language) RunCommand() ([]string, error) {
	return expandTemplate(l.Run, nil, l.ExeName)
}

func expandTemplate(tpl string, srcs []string, exe string) ([]string, error) {
	tokens, err := shlex.Split(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", tpl, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command template")
	}
	args := make([]string, 0, len(tokens)+len(srcs))
	for _, tok := range tokens {
		switch tok {
		case "{srcs}":
			args = append(args, srcs...)
		case "{src}":
			if len(srcs) == 0 {
				return nil, fmt.Errorf("template %q needs a source file", tpl)
			}
			args = append(args, srcs[0])
		case "{exe}":
			args = append(args, exe)
		default:
			args = append(args, tok)
		}
	}
	return args, nil
}

// DefaultLanguages returns the built-in language profiles. Deployments
// with different toolchains load their own with LoadLanguages.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"cpp": {
			Name:    "C++17 / g++",
			ExeName: "a.out",
			Compile: "/usr/bin/g++ -O2 -std=gnu++17 -static -o {exe} {srcs}",
			Run:     "./{exe}",
		},
		"c": {
			Name:    "C11 / gcc",
			ExeName: "a.out",
			Compile: "/usr/bin/gcc -O2 -std=gnu11 -static -o {exe} {srcs} -lm",
			Run:     "./{exe}",
		},
		"python3": {
			Name:    "Python 3 / CPython",
			ExeName: "main.py",
			Compile: "/bin/cp {src} {exe}",
			Run:     "/usr/bin/python3 {exe}",
		},
	}
}

// LoadLanguages reads language profiles from a YAML file keyed by
// language id.
func LoadLanguages(path string) (map[string]Language, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language config: %w", err)
	}
	var langs map[string]Language
	if err := yaml.Unmarshal(b, &langs); err != nil {
		return nil, fmt.Errorf("parse language config: %w", err)
	}
	for id, l := range langs {
		if l.ExeName == "" || l.Compile == "" || l.Run == "" {
			return nil, fmt.Errorf("language %s: exe_name, compile and run are required", id)
		}
	}
	return langs, nil
}
