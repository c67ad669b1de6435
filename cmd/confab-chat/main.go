// confab-chat is the human's window into the conversation: it registers a
// participant, prints every delivery with a timestamp, and sends typed lines
// to the relay. "@<id> text" addresses one participant, everything else is a
// broadcast.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"confab/internal/client"
	"confab/internal/logging"
	"confab/internal/relay"
	"confab/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	relayURL := flag.String("relay", "http://127.0.0.1:8800", "relay base URL")
	token := flag.String("token", "", "relay bearer token")
	name := flag.String("name", relay.HumanDefaultName, "participant name")
	flag.Parse()

	logger := logging.NewLoggerWithOutput(logging.NewEntryBuffer(logging.DefaultBufferSize), logging.LevelWarning, os.Stderr)

	relayClient, err := client.New(nil, *relayURL, *token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	id, err := relayClient.Register(*name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "register failed:", err)
		return 1
	}
	defer relayClient.Unregister(id)
	fmt.Printf("connected as %s (type /quit to leave, /who for participants, /status for mode)\n", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		cancel()
	}()

	listener := client.NewListener(relayClient, id, logger)
	go listener.Run(ctx)
	go func() {
		for msg := range listener.Messages() {
			printMessage(msg)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if !handleLine(relayClient, id, line) {
				return 0
			}
		case <-ctx.Done():
			return 0
		}
	}
}

// handleLine sends one typed line; false means quit.
func handleLine(relayClient *client.Client, id, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	switch {
	case line == "/quit":
		return false
	case line == "/who":
		ids, err := relayClient.Participants()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return true
		}
		fmt.Println("participants:", strings.Join(ids, ", "))
		return true
	case line == "/status":
		status, err := relayClient.Mode()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return true
		}
		printStatus(status)
		return true
	}

	to := ""
	content := line
	if strings.HasPrefix(line, "@") && !strings.HasPrefix(line, "@all ") {
		target, rest, found := strings.Cut(line[1:], " ")
		if found && target != "" {
			to = target
			content = rest
		}
	} else if rest, found := strings.CutPrefix(line, "@all "); found {
		content = rest
	}

	if _, err := relayClient.Send(id, to, content); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return true
}

func printMessage(msg wire.Message) {
	stamp := msg.Timestamp.Local().Format("15:04:05")
	switch msg.Kind {
	case wire.KindSystem:
		fmt.Printf("%s * %s\n", stamp, msg.Content)
	case wire.KindChat:
		target := ""
		if msg.To != wire.Broadcast {
			target = " (direct)"
		}
		fmt.Printf("%s [%s]%s %s\n", stamp, msg.From, target, msg.Content)
	}
}

func printStatus(status wire.ModeStatus) {
	if status.Mode == wire.ModeFreeform {
		fmt.Println("mode: freeform")
		return
	}
	fmt.Printf("mode: %s topic: %q round %d/%d, turn: %s\n",
		status.Mode, status.Topic, status.Round+1, status.MaxRounds, status.CurrentTurn)
}
