package cli

import (
	"bytes"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs interactive prompt on terminal, otherwise executes stdin lines.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		// TODO OptionHistory from file in user cache dir
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
	} else {
		stdinAll, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		linesb := bytes.Split(stdinAll, []byte{'\n'})
		for _, lineb := range linesb {
			line := string(bytes.TrimSpace(lineb))
			if line == "" || line[0] == '#' {
				continue
			}
			exec(line)
		}
	}
}

// SplitCommand returns first word and the rest of line with surrounding space trimmed.
func SplitCommand(line string) (word, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func Suggest(words []string, d prompt.Document) []prompt.Suggest {
	// complete only first word
	if strings.ContainsAny(d.TextBeforeCursor(), " \t") {
		return nil
	}
	suggests := make([]prompt.Suggest, len(words))
	for i, w := range words {
		suggests[i] = prompt.Suggest{Text: w}
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}
