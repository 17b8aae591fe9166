package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/paths"
)

var (
	instanceFlag = flag.StringP("instance", "i", "", "instance name (overrides config default)")
	userFlag     = flag.StringP("user", "u", "", "acting user id (overrides config user_id)")
	configFlag   = flag.String("config", paths.ConfigPath(), "config file")
	jsonFlag     = flag.Bool("json", false, "output in JSON format")
	verboseFlag  = flag.BoolP("verbose", "v", false, "log debug output to stderr")
	videoFlag    = flag.Bool("video", false, "call start: video instead of audio")
	offerFlag    = flag.String("offer", "", "call start/accept: SDP offer or answer")
	durationFlag = flag.Int("duration", -1, "call end: duration in seconds (default: measured)")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fatalf("config: %v", err)
	}
	instance := paths.Resolve(*instanceFlag, cfg.DefaultInstance)
	if err := paths.ValidateName(instance); err != nil {
		fatalf("%v", err)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if cfg.UserID == "" {
		fatalf("no user: pass --user or set user_id in %s", *configFlag)
	}

	sess, err := openSession(instance, cfg, *verboseFlag)
	if err != nil {
		fatalf("cannot reach instance %q: %v", instance, err)
	}
	defer sess.close()

	// watch runs until interrupted; everything else is a one-shot.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	switch args[0] {
	case "conversation":
		if len(args) < 4 || args[1] != "create" {
			fatalf("usage: relayctl conversation create <id> <member>...")
		}
		err = cmdConversationCreate(ctx, sess, args[2], args[3:])
	case "inbox":
		err = cmdInbox(ctx, sess)
	case "watch":
		if len(args) != 2 {
			fatalf("usage: relayctl watch <conversation>")
		}
		err = cmdWatch(ctx, sess, args[1])
	case "send":
		if len(args) < 3 {
			fatalf("usage: relayctl send <conversation> <text>...")
		}
		err = cmdSend(ctx, sess, args[1], args[2:])
	case "read":
		if len(args) != 2 {
			fatalf("usage: relayctl read <conversation>")
		}
		err = cmdRead(ctx, sess, args[1])
	case "typing":
		if len(args) != 2 {
			fatalf("usage: relayctl typing <conversation>")
		}
		err = cmdTyping(ctx, sess, args[1])
	case "call":
		err = cmdCall(ctx, sess, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		sess.close()
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--instance <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversation create <id> <member>...  Create a conversation")
	fmt.Fprintln(os.Stderr, "  inbox                                 List conversations with unread counts")
	fmt.Fprintln(os.Stderr, "  watch <conversation>                  Follow messages, typing and calls")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>...         Send a text message")
	fmt.Fprintln(os.Stderr, "  read <conversation>                   Mark every message as read")
	fmt.Fprintln(os.Stderr, "  typing <conversation>                 Signal that you are typing")
	fmt.Fprintln(os.Stderr, "  call start <conversation> <callee>    Start a call (--video, --offer)")
	fmt.Fprintln(os.Stderr, "  call accept|reject|end <call-id>      Move a call along (--offer, --duration)")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
