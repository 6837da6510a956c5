// Package profile maps build-tool identifiers to execution environment settings.
package profile

import (
	"strings"

	appErr "autograde/pkg/errors"
)

const (
	Gradle = "gradle"
	Maven  = "maven"
)

// ResourceLimits are passed to the container engine when an environment is provisioned.
type ResourceLimits struct {
	// Memory is an engine size string such as "2g". Swap is pinned to the same value.
	Memory string `yaml:"memory"`
	// CPUs is the CPU share, e.g. "2" or "1.5".
	CPUs string `yaml:"cpus"`
	// ShmSize is the /dev/shm size, e.g. "512m".
	ShmSize string `yaml:"shmSize"`
	// HeapFlags are JVM heap options exported through HeapEnv.
	HeapFlags string `yaml:"heapFlags"`
	// PIDs caps the process count inside the environment. Zero leaves the engine default.
	PIDs int64 `yaml:"pids"`
}

// BuildToolProfile is the immutable environment description for one build tool.
type BuildToolProfile struct {
	ID    string `yaml:"id"`
	Image string `yaml:"image"`
	// CacheHome is the dependency cache directory inside the environment.
	CacheHome string `yaml:"cacheHome"`
	// CacheEnv names the variable through which the tool learns CacheHome.
	CacheEnv string `yaml:"cacheEnv"`
	// HeapEnv names the variable carrying Limits.HeapFlags.
	HeapEnv string         `yaml:"heapEnv"`
	Limits  ResourceLimits `yaml:"limits"`
	// TestCommand runs the test suite from the project directory.
	TestCommand string `yaml:"testCommand"`
	// BuildCommand compiles main and test sources without running tests.
	BuildCommand string `yaml:"buildCommand"`
	// ReportDir is the report directory relative to the project directory.
	ReportDir string `yaml:"reportDir"`
}

// Env returns the engine environment assignments for the profile.
func (p BuildToolProfile) Env() []string {
	var env []string
	if p.CacheEnv != "" && p.CacheHome != "" {
		env = append(env, p.CacheEnv+"="+p.CacheHome)
	}
	if p.HeapEnv != "" && p.Limits.HeapFlags != "" {
		env = append(env, p.HeapEnv+"="+p.Limits.HeapFlags)
	}
	return env
}

// DefaultLimits are shared by the built-in profiles.
var DefaultLimits = ResourceLimits{
	Memory:    "2g",
	CPUs:      "2",
	ShmSize:   "512m",
	HeapFlags: "-Xmx1g",
	PIDs:      512,
}

func builtins() map[string]BuildToolProfile {
	return map[string]BuildToolProfile{
		Gradle: {
			ID:           Gradle,
			Image:        "gradle:8.10-jdk21",
			CacheHome:    "/home/gradle/.gradle",
			CacheEnv:     "GRADLE_USER_HOME",
			HeapEnv:      "GRADLE_OPTS",
			Limits:       DefaultLimits,
			TestCommand:  "gradle test --no-daemon --console=plain",
			BuildCommand: "gradle testClasses --no-daemon --console=plain",
			ReportDir:    "build/test-results/test",
		},
		Maven: {
			ID:           Maven,
			Image:        "maven:3.9-eclipse-temurin-21",
			CacheHome:    "/root/.m2",
			CacheEnv:     "MAVEN_CONFIG",
			HeapEnv:      "MAVEN_OPTS",
			Limits:       DefaultLimits,
			TestCommand:  "mvn -B -q test",
			BuildCommand: "mvn -B -q test-compile",
			ReportDir:    "target/surefire-reports",
		},
	}
}

// Resolver resolves build-tool identifiers. It is built once and read-only afterwards.
type Resolver struct {
	profiles map[string]BuildToolProfile
}

// NewResolver creates a resolver from the built-in profiles. Non-empty fields of an
// override replace the built-in values of the profile with the same ID; overrides
// for unknown IDs are ignored.
func NewResolver(overrides ...BuildToolProfile) *Resolver {
	profiles := builtins()
	for _, o := range overrides {
		id := normalize(o.ID)
		base, ok := profiles[id]
		if !ok {
			continue
		}
		profiles[id] = merge(base, o)
	}
	return &Resolver{profiles: profiles}
}

var defaultResolver = NewResolver()

// Resolve resolves id against the built-in profiles.
func Resolve(id string) (BuildToolProfile, error) {
	return defaultResolver.Resolve(id)
}

// Resolve returns the profile for id. Matching ignores case and surrounding space.
func (r *Resolver) Resolve(id string) (BuildToolProfile, error) {
	p, ok := r.profiles[normalize(id)]
	if !ok {
		return BuildToolProfile{}, appErr.Newf(appErr.UnknownBuildTool, "unknown build tool %q", id).
			WithDetail("build_tool", id)
	}
	return p, nil
}

// All returns every known profile, ordered by ID.
func (r *Resolver) All() []BuildToolProfile {
	out := make([]BuildToolProfile, 0, len(r.profiles))
	for _, id := range []string{Gradle, Maven} {
		if p, ok := r.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func merge(base, o BuildToolProfile) BuildToolProfile {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&base.Image, o.Image)
	pick(&base.CacheHome, o.CacheHome)
	pick(&base.CacheEnv, o.CacheEnv)
	pick(&base.HeapEnv, o.HeapEnv)
	pick(&base.TestCommand, o.TestCommand)
	pick(&base.BuildCommand, o.BuildCommand)
	pick(&base.ReportDir, o.ReportDir)
	pick(&base.Limits.Memory, o.Limits.Memory)
	pick(&base.Limits.CPUs, o.Limits.CPUs)
	pick(&base.Limits.ShmSize, o.Limits.ShmSize)
	pick(&base.Limits.HeapFlags, o.Limits.HeapFlags)
	if o.Limits.PIDs > 0 {
		base.Limits.PIDs = o.Limits.PIDs
	}
	return base
}
