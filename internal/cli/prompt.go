package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PromptForEssay reads an essay typed or pasted into in. Input ends at EOF or
// at a line holding a single ".". Prompts go to out.
func PromptForEssay(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprintln(out, "Paste your essay. End with a line containing only \".\" or press Ctrl-D.")

	var lines []string
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read essay: %w", err)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}
