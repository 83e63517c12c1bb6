package unityhelper

import (
	"fmt"
	"strings"
)

const unitySystemContext = "You are a Unity development expert. Provide clear, practical advice."

// Platform is a target platform for Unity builds, used to tailor
// optimization and debugging advice.
type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformPC      Platform = "pc"
	PlatformConsole Platform = "console"
	PlatformVR      Platform = "vr"
)

// Platforms lists every supported platform, in the order they're offered
// as command choices.
var Platforms = []Platform{PlatformMobile, PlatformPC, PlatformConsole, PlatformVR}

var platformNames = map[Platform]string{
	PlatformMobile:  "Mobile",
	PlatformPC:      "PC",
	PlatformConsole: "Console",
	PlatformVR:      "VR",
}

var platformHints = map[Platform]string{
	PlatformMobile: "Focus on draw calls, texture compression, battery usage, " +
		"thermal throttling and memory limits on iOS and Android.",
	PlatformPC: "Focus on CPU/GPU profiling, scalable quality settings and " +
		"a wide range of hardware.",
	PlatformConsole: "Focus on fixed hardware budgets, platform certification " +
		"requirements and consistent frame pacing.",
	PlatformVR: "Focus on maintaining a high, stable frame rate, single-pass " +
		"instanced rendering and avoiding motion sickness.",
}

// ParsePlatform returns the Platform matching s, ignoring case.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := platformNames[p]; !ok {
		return "", fmt.Errorf("unknown platform: %q", s)
	}
	return p, nil
}

func (p Platform) String() string {
	return string(p)
}

// DisplayName is the platform's name as shown to users
func (p Platform) DisplayName() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return string(p)
}

func askPrompt(question string) Prompt {
	return Prompt{
		System: unitySystemContext,
		User:   "Unity question: " + question,
	}
}

func scriptPrompt(description string) Prompt {
	return Prompt{
		System: unitySystemContext + " Write complete, compilable C# scripts " +
			"that follow Unity conventions, with brief comments.",
		User: "Write a Unity C# MonoBehaviour script that does the following: " +
			description + "\n\nReturn the script in a ```csharp code block, " +
			"followed by short setup instructions.",
	}
}

func debugPrompt(errorText string, platform Platform) Prompt {
	var sb strings.Builder
	sb.WriteString("Explain this Unity error, its most likely causes, and how to fix it:\n```\n")
	sb.WriteString(errorText)
	sb.WriteString("\n```")
	if platform != "" {
		sb.WriteString("\nThe error happens on ")
		sb.WriteString(platform.DisplayName())
		sb.WriteString(".")
	}
	return Prompt{
		System: unitySystemContext + " Diagnose errors step by step.",
		User:   sb.String(),
	}
}

func reviewPrompt(code string) Prompt {
	return Prompt{
		System: unitySystemContext + " Review code for bugs, performance " +
			"problems and Unity best practices.",
		User: "Review this Unity code. List problems by severity and show " +
			"corrected code where it helps:\n```csharp\n" + code + "\n```",
	}
}

func optimizePrompt(topic string, platform Platform) Prompt {
	return Prompt{
		System: unitySystemContext + " Give concrete optimization steps, " +
			"with the Unity settings or APIs involved.",
		User: fmt.Sprintf(
			"How do I optimize %s in Unity for %s? %s",
			topic,
			platform.DisplayName(),
			platformHints[platform],
		),
	}
}
