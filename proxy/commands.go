package proxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// BuildCommand resolves a command template into a runnable shell string.
// Macros are substituted first, then the built-in ${PORT}/${CTX}/${HOST}
// placeholders and their bare-dollar forms. Any ${...} placeholder left
// after substitution makes the template invalid so a typo never reaches
// the shell.
func BuildCommand(template string, port int, ctx int, host string, macros map[string]string) (string, error) {
	command := flattenCommand(template)
	if command == "" {
		return "", fmt.Errorf("command template is empty")
	}

	for name, value := range macros {
		command = strings.ReplaceAll(command, "${"+name+"}", value)
	}

	portStr := strconv.Itoa(port)
	ctxStr := strconv.Itoa(ctx)
	command = strings.ReplaceAll(command, "${PORT}", portStr)
	command = strings.ReplaceAll(command, "${CTX}", ctxStr)
	command = strings.ReplaceAll(command, "${HOST}", host)
	command = strings.ReplaceAll(command, "$PORT", portStr)
	command = strings.ReplaceAll(command, "$CTX", ctxStr)
	command = strings.ReplaceAll(command, "$HOST", host)

	if leftover := placeholderRegex.FindString(command); leftover != "" {
		return "", fmt.Errorf("unsubstituted placeholder %s in command template", leftover)
	}
	return command, nil
}

// flattenCommand turns a multi-line YAML command into a single shell line:
// backslash continuations and newlines collapse to spaces, comment lines
// are dropped.
func flattenCommand(template string) string {
	lines := strings.Split(strings.ReplaceAll(template, "\\\n", "\n"), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "\\"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}
