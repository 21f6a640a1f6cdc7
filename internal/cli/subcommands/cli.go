package subcommands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"PocketLM/internal/config"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

const logo = `
 ___         _       _   _    __  __
| _ \___  __| |_____| |_| |  |  \/  |
|  _/ _ \/ _| / / -_)  _| |__| |\/| |
|_| \___/\__|_\_\___|\__|____|_|  |_|
`

// RunCli executes the interactive line mode. It reads prompts from in until
// EOF or an exit command.
func RunCli(ctx context.Context, in io.Reader, w io.Writer, cfg config.Config, registry runtime.Registry, opts ChatOptions) error {
	log := logging.With("cli")
	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close runtime")
		}
	}()

	opts = chatOptionsFrom(cfg, opts)
	conv := newConversation(opts)

	fmt.Fprint(w, colorCyan+logo+colorReset)
	fmt.Fprintf(w, "%sPocketLM Interactive Mode%s\n", colorBold, colorReset)
	fmt.Fprintf(w, "%sType 'exit' to quit | '/help' for commands%s\n", colorGray, colorReset)
	fmt.Fprintf(w, "%sRuntime: %s (%s)%s\n\n", colorGray, mgr.Info().Backend, mgr.Info().Model.Description, colorReset)

	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprintf(w, "%sYou: %s", colorBlue+colorBold, colorReset)
		message, err := readMessage(reader, w)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(w)
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}
		if message == "" {
			continue
		}

		lowerMsg := strings.ToLower(message)
		if lowerMsg == "exit" || lowerMsg == "quit" || lowerMsg == "/exit" || lowerMsg == "/quit" || lowerMsg == "/bye" {
			fmt.Fprintf(w, "\n%sGoodbye!%s\n", colorCyan, colorReset)
			return nil
		}
		if strings.HasPrefix(message, "/") {
			handleCommand(w, mgr, conv, message, &opts)
			continue
		}

		start := time.Now()
		fmt.Fprintf(w, "%sPocketLM: %s", colorGreen+colorBold, colorReset)
		var (
			text   strings.Builder
			stats  runtime.Stats
			finish string
		)
		req := runtime.Request{Prompt: conv.prompt(message), Options: opts.generation()}
		if opts.Stream {
			err = mgr.Stream(ctx, req, func(evt runtime.StreamEvent) error {
				if evt.Final {
					if evt.Stats != nil {
						stats = *evt.Stats
					}
					finish = evt.Finish
					return nil
				}
				text.WriteString(evt.Token)
				_, werr := io.WriteString(w, evt.Token)
				return werr
			})
			fmt.Fprintln(w)
		} else {
			var resp runtime.Response
			resp, err = mgr.Generate(ctx, req)
			if err == nil {
				text.WriteString(resp.Text)
				fmt.Fprintln(w, resp.Text)
			}
			stats, finish = resp.Stats, resp.Finish
		}
		if err != nil {
			fmt.Fprintf(w, "\r%sruntime error: %v%s\n", colorRed, err, colorReset)
			continue
		}
		conv.add(message, text.String())

		if opts.ShowStats {
			printResponseStats(w, stats, finish, time.Since(start))
		}
		fmt.Fprintln(w)
	}
}

// readMessage reads one line; a trailing backslash continues the message on
// the next line.
func readMessage(reader *bufio.Reader, w io.Writer) (string, error) {
	input, err := reader.ReadString('\n')
	if err != nil && (input == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	message := strings.TrimSpace(input)
	for strings.HasSuffix(message, "\\") {
		message = strings.TrimSuffix(message, "\\") + "\n"
		fmt.Fprintf(w, "%s...  %s", colorGray, colorReset)
		nextPart, err := reader.ReadString('\n')
		message += strings.TrimSpace(nextPart)
		if err != nil {
			break
		}
	}
	return message, nil
}

// handleCommand processes slash commands.
func handleCommand(w io.Writer, mgr *runtime.Manager, conv *conversation, cmd string, opts *ChatOptions) {
	fields := strings.Fields(cmd)
	switch strings.ToLower(fields[0]) {
	case "/help":
		printCliHelp(w)
	case "/clear":
		conv.reset()
		fmt.Fprintf(w, "%sConversation cleared.%s\n", colorCyan, colorReset)
	case "/stats":
		showRuntimeStats(w, mgr.Info())
	case "/config":
		fmt.Fprintf(w, "  stream=%v stats=%v raw=%v max_tokens=%d temperature=%.2f top_k=%d history=%d\n",
			opts.Stream, opts.ShowStats, opts.Raw, opts.MaxTokens, opts.Temperature, opts.TopK, opts.HistoryTurns)
	case "/set":
		if len(fields) < 3 {
			fmt.Fprintf(w, "%sUsage: /set <param> <value>%s\n", colorYellow, colorReset)
			return
		}
		msg, err := handleSetParam(opts, fields[1], fields[2])
		if err != nil {
			fmt.Fprintf(w, "%s%v%s\n", colorYellow, err, colorReset)
			return
		}
		fmt.Fprintf(w, "%s%s%s\n", colorCyan, msg, colorReset)
	default:
		fmt.Fprintf(w, "%sUnknown command %s, try /help%s\n", colorYellow, fields[0], colorReset)
	}
}

func printCliHelp(w io.Writer) {
	fmt.Fprintf(w, `%sCommands:%s
  /help                 Show this help
  /stats                Show runtime and token cache statistics
  /config               Show session settings
  /clear                Forget the conversation so far
  /set <param> <value>  stream, stats, max-tokens, temperature, top-k, seed
  exit | quit           Leave
End a line with \ to continue on the next one.
`, colorBold, colorReset)
}

func showRuntimeStats(w io.Writer, info runtime.Info) {
	fmt.Fprintf(w, "  %sBackend:%s %s  %sModel:%s %s\n", colorGray, colorReset, info.Backend, colorGray, colorReset, info.Model.Description)
	fmt.Fprintf(w, "  %sContext:%s %d tokens  %sBatch:%s %d  %sDecode policy:%s %s\n",
		colorGray, colorReset, info.ContextSize, colorGray, colorReset, info.BatchSize, colorGray, colorReset, info.DecodePolicy)
	fmt.Fprintf(w, "  %sStop strings:%s %s\n", colorGray, colorReset, strings.Join(info.StopStrings, " "))
	if tc := info.TokenCache; tc != nil {
		fmt.Fprintf(w, "  %sToken cache:%s hits=%d misses=%d entries=%d\n", colorGray, colorReset, tc.Hits, tc.Misses, tc.Entries)
	}
}

func printResponseStats(w io.Writer, stats runtime.Stats, finish string, duration time.Duration) {
	fmt.Fprintf(w, "\n  %s--- Response Stats ---%s\n", colorGray+colorBold, colorReset)
	fmt.Fprintf(w, "  %s%s%s\n", colorGray, formatStats(stats, finish), colorReset)
	fmt.Fprintf(w, "  %sDuration:%s %s\n", colorGray, colorReset, duration.Truncate(time.Millisecond))
}
