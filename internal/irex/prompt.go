package irex

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// interactiveMu serializes everything that reads the terminal, so a
// background goroutine can never hang invisibly on stdin while the
// foreground owns the prompt.
var interactiveMu sync.Mutex

// WithPrompt runs fn while holding the interactive lock.
func WithPrompt(fn func()) {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()
	fn()
}

// askForConfirmation prints a [Y/n] prompt and reads the answer. Enter
// and EOF behave differently on purpose: Enter accepts, Ctrl+D declines.
func askForConfirmation(format string, a ...any) bool {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	reader := bufio.NewReader(os.Stdin)
	fullPrompt := fmt.Sprintf("%s [Y/n]: ", fmt.Sprintf(format, a...))

	for {
		cPrintf(colInfo, "%s", fullPrompt)
		response, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		response = strings.ToLower(strings.TrimSpace(response))

		if response == "y" || response == "yes" || response == "" {
			return true
		}
		if response == "n" || response == "no" {
			return false
		}
		cPrintln(colWarn, "Invalid input.")
	}
}

// ParseSelectionIndices parses a comma-separated list of 1-based numbers.
// Negative numbers flip the whole input into an exclusion list. Returns
// 0-based indices.
func ParseSelectionIndices(input string, max int) ([]int, bool, error) {
	if input == "" {
		return nil, false, nil
	}

	parts := strings.Split(input, ",")
	indices := make(map[int]bool)
	exclude := false

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		isNeg := strings.HasPrefix(part, "-")
		idxStr := part
		if isNeg {
			exclude = true
			idxStr = strings.TrimPrefix(part, "-")
		}

		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, false, fmt.Errorf("invalid number: %s", part)
		}
		if idx <= 0 || idx > max {
			return nil, false, fmt.Errorf("number out of range (1-%d): %d", max, idx)
		}
		indices[idx-1] = true
	}

	var result []int
	if exclude {
		for i := 0; i < max; i++ {
			if !indices[i] {
				result = append(result, i)
			}
		}
	} else {
		for idx := range indices {
			result = append(result, idx)
		}
		sort.Ints(result)
	}

	return result, exclude, nil
}

// AskForSelection prompts the user to pick items from a numbered list.
// 'y'/'a'/Enter selects everything, 'n'/'c' cancels, and comma-separated
// numbers (or -numbers for exclusion) select a subset.
func AskForSelection(prompt string, count int) ([]int, bool) {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		colArrow.Print("-> ")
		colNote.Print(prompt + " ")

		if !scanner.Scan() {
			return nil, false
		}

		input := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(input)

		if lower == "" || lower == "y" || lower == "yes" || lower == "a" || lower == "all" {
			indices := make([]int, count)
			for i := 0; i < count; i++ {
				indices[i] = i
			}
			return indices, true
		}

		if lower == "n" || lower == "no" || lower == "c" || lower == "cancel" {
			return nil, false
		}

		indices, _, err := ParseSelectionIndices(input, count)
		if err != nil {
			colError.Printf("Error: %v\n", err)
			continue
		}
		if len(indices) == 0 {
			colWarn.Println("No items selected.")
			continue
		}
		return indices, true
	}
}
