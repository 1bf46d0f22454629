// Command client is a terminal client for the relay. Without --room it
// creates a room and prints its code; with --room it joins one.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/session"
	"github.com/pliu/adyx/internal/transport"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const maxFileBytes = 10 << 20

const usage = `commands:
  /file <path>        send a file
  /react <id> <emoji> react to a message
  /alert <type>       tell the peer about a screenshot or similar
  /disappear <secs>   set the disappearing timer (admin only)
  /end                end the room for both sides
  /quit               leave
anything else is sent as text`

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	v, err := loadOptions(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := zap.NewNop()
	if v.GetBool("dev") {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	if err := run(v, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		memguard.SafeExit(1)
	}
}

func loadOptions(args []string) (*viper.Viper, error) {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.String("relay", "http://localhost:8080", "Relay base URL")
	fs.String("room", "", "Room code to join (empty creates a room)")
	fs.String("password", "", "Room password (prefer ADYX_CLIENT_PASSWORD)")
	fs.String("nickname", "Anonymous", "Name shown to the peer")
	fs.String("origin", "", "Origin header sent on the socket")
	fs.Bool("dev", false, "Print debug logs")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("ADYX_CLIENT")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func run(v *viper.Viper, log *zap.Logger) error {
	cfg := session.Config{
		Relay:     v.GetString("relay"),
		Nickname:  v.GetString("nickname"),
		Password:  v.GetString("password"),
		Origin:    v.GetString("origin"),
		Transport: transport.DefaultConfig(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, time.Minute)
	var (
		s   *session.Session
		err error
	)
	if code := v.GetString("room"); code != "" {
		s, err = session.Join(openCtx, cfg, code, log)
	} else {
		s, err = session.Create(openCtx, cfg, log)
	}
	openCancel()
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("room %s (%s)\n%s\n", s.Code(), s.Role(), usage)

	go func() {
		s.Run(ctx)
		cancel()
	}()
	go printEvents(ctx, s)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, s, line)
			if err != nil {
				fmt.Println("!", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.SendText(ctx, line)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/end":
		return true, s.End(ctx)
	case "/file":
		if len(fields) != 2 {
			return false, errors.New("usage: /file <path>")
		}
		return false, sendFile(ctx, s, fields[1])
	case "/react":
		if len(fields) != 3 {
			return false, errors.New("usage: /react <id> <emoji>")
		}
		return false, s.React(ctx, fields[1], fields[2])
	case "/alert":
		if len(fields) != 2 {
			return false, errors.New("usage: /alert <type>")
		}
		return false, s.Alert(ctx, fields[1])
	case "/disappear":
		if len(fields) != 2 {
			return false, errors.New("usage: /disappear <secs>")
		}
		secs, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, err
		}
		return false, s.SetDisappear(ctx, secs)
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

func sendFile(ctx context.Context, s *session.Session, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxFileBytes {
		return fmt.Errorf("%s is larger than %d bytes", path, maxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	id, err := s.SendFile(ctx, filepath.Base(path), mimeType, data)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s [%s]\n", filepath.Base(path), id)
	return nil
}

func printEvents(ctx context.Context, s *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Events():
			printEvent(ev)
		}
	}
}

func printEvent(ev session.Event) {
	if m := ev.Message; ev.Kind == session.MessageReceived && m.Type != models.TypeText {
		if err := os.WriteFile(filepath.Base(m.FileName), m.Data, 0o600); err != nil {
			fmt.Println("! save file:", err)
			return
		}
	}
	if line := describe(ev); line != "" {
		fmt.Println(line)
	}
}

// describe renders an event as one terminal line, or "" for events that
// print nothing.
func describe(ev session.Event) string {
	f := ev.Frame
	switch ev.Kind {
	case session.MessageReceived:
		m := ev.Message
		if m.Type == models.TypeText {
			return fmt.Sprintf("%s [%s]: %s", m.From, m.ID, m.Data)
		}
		return fmt.Sprintf("%s sent %s (%s, %d bytes), saved", m.From, filepath.Base(m.FileName), m.FileType, len(m.Data))
	case session.MessageDelivered:
		return fmt.Sprintf("  delivered %s", f.MessageID)
	case session.MessageReceipt:
		// The relay does not hold messages, so a receipt means it was dropped.
		return fmt.Sprintf("  not delivered %s (peer not connected)", f.MessageID)
	case session.Joined:
		if f.PeerPresent {
			return "* peer is here"
		}
		return "* waiting for peer"
	case session.PeerJoined:
		return fmt.Sprintf("* %s joined", f.Nickname)
	case session.PeerLeft:
		return "* peer left"
	case session.PeerTyping:
		if f.IsTyping != nil && *f.IsTyping {
			return "* peer is typing"
		}
	case session.ReactionReceived:
		return fmt.Sprintf("* reaction %s on %s", f.Emoji, f.MessageID)
	case session.AlertReceived:
		return fmt.Sprintf("* security alert: %s", f.AlertType)
	case session.DisappearChanged:
		if f.Seconds != nil {
			return fmt.Sprintf("* messages disappear after %ds", *f.Seconds)
		}
	case session.RoomEnded:
		return fmt.Sprintf("* room ended (%s)", f.Reason)
	case session.SlowDown:
		return "! slow down"
	case session.RelayError:
		return "! relay: " + f.Message
	case session.Notice:
		return fmt.Sprintf("! dropped a message: %v", ev.Err)
	case session.StateChanged:
		if ev.Err != nil {
			return fmt.Sprintf("* %s: %v", ev.State, ev.Err)
		}
		return fmt.Sprintf("* %s", ev.State)
	}
	return ""
}
