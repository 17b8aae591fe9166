package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/typing"
)

func cmdConversationCreate(ctx context.Context, s *session, id string, members []string) error {
	if !slices.Contains(members, s.client.UserID()) {
		members = append(members, s.client.UserID())
	}
	conv, err := s.backend.CreateConversation(ctx, id, members...)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := s.backend.UpsertProfile(ctx, model.Profile{ID: m}); err != nil {
			return err
		}
	}
	if *jsonFlag {
		outputJSON(conv)
		return nil
	}
	fmt.Printf("Conversation %s with %s\n", conv.ID, strings.Join(members, ", "))
	return nil
}

func cmdInbox(ctx context.Context, s *session) error {
	in, err := s.client.OpenInbox(ctx)
	if err != nil {
		return err
	}
	defer in.Close()

	view, err := in.Refresh(ctx)
	if err != nil {
		return err
	}
	if *jsonFlag {
		outputJSON(view)
		return nil
	}
	if len(view.Entries) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, e := range view.Entries {
		last := ""
		if e.LastMessage != nil {
			last = e.LastMessage.Body
		}
		unread := fmt.Sprint(e.Unread)
		if e.UnreadErr != nil {
			unread = "?"
		}
		fmt.Printf("%-20s %-24s %4s  %s\n", e.Conversation.ID, e.Title(), unread, last)
	}
	fmt.Printf("Total unread: %d\n", view.TotalUnread)
	return nil
}

func cmdSend(ctx context.Context, s *session, conv string, words []string) error {
	scr, err := s.client.OpenConversation(ctx, conv)
	if err != nil {
		return err
	}
	defer scr.Close()

	msg, err := scr.Send(ctx, strings.Join(words, " "))
	if err != nil {
		return err
	}
	if *jsonFlag {
		outputJSON(msg)
		return nil
	}
	fmt.Printf("Sent %s\n", msg.ID)
	return nil
}

func cmdRead(ctx context.Context, s *session, conv string) error {
	scr, err := s.client.OpenConversation(ctx, conv)
	if err != nil {
		return err
	}
	defer scr.Close()

	if _, err := scr.Load(ctx); err != nil {
		return err
	}
	n, err := scr.MarkAllRead(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Marked %d message(s) read\n", n)
	return nil
}

func cmdTyping(ctx context.Context, s *session, conv string) error {
	sent, err := s.client.Typing().NotifyTyping(ctx, conv)
	if err != nil {
		return err
	}
	if sent {
		fmt.Println("Typing signal sent")
	}
	return nil
}

func cmdWatch(ctx context.Context, s *session, conv string) error {
	events, unsub := s.client.Bus().Subscribe("", 256)
	defer unsub()

	scr, err := s.client.OpenConversation(ctx, conv)
	if err != nil {
		return err
	}
	defer scr.Close()
	scr.OnIncomingCall(func(c model.Call) {
		fmt.Printf("* incoming %s call %s from %s\n", c.Kind, c.ID, c.CallerID)
	})

	msgs, err := scr.Load(ctx)
	if err != nil {
		fmt.Printf("! history unavailable: %v\n", err)
	}
	seen := make(map[string]bool)
	for _, m := range msgs {
		printMessage(m)
		seen[m.ID] = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			switch evt.Kind {
			case bus.KindMessagesChanged:
				for _, m := range scr.Messages() {
					if !seen[m.ID] && !m.Pending {
						printMessage(m)
						seen[m.ID] = true
					}
				}
			case bus.KindTypingChanged:
				if st, ok := evt.Payload.(typing.State); ok && st.ConversationID == conv {
					fmt.Printf("* %s: %s\n", st.PeerID, scr.PeerStatus(ctx, st.PeerID))
				}
			case bus.KindCallUpdated:
				if c, ok := evt.Payload.(model.Call); ok && c.ConversationID == conv {
					fmt.Printf("* call %s %s\n", c.ID, c.Status)
				}
			case bus.KindConnStatus:
				if ch, ok := evt.Payload.(status.StatusChange); ok && ch.To.Stale() {
					fmt.Println("* reconnecting…")
				}
			case bus.KindUnreadChanged:
				if n, err := scr.Unread(ctx); err == nil {
					fmt.Printf("* unread: %d\n", n)
				}
			}
		}
	}
}

func printMessage(m model.Message) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Body)
}

func cmdCall(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: relayctl call start|accept|reject|end ...")
	}
	machine := s.client.Calls()
	var (
		call model.Call
		err  error
	)
	switch args[0] {
	case "start":
		if len(args) != 3 {
			return fmt.Errorf("usage: relayctl call start <conversation> <callee>")
		}
		scr, oerr := s.client.OpenConversation(ctx, args[1])
		if oerr != nil {
			return oerr
		}
		defer scr.Close()
		kind := model.CallAudio
		if *videoFlag {
			kind = model.CallVideo
		}
		call, err = scr.StartCall(ctx, args[2], kind, *offerFlag)
	case "accept", "reject", "end":
		if len(args) != 2 {
			return fmt.Errorf("usage: relayctl call %s <call-id>", args[0])
		}
		id := args[1]
		switch {
		case args[0] == "accept":
			call, err = machine.Accept(ctx, id, *offerFlag)
		case args[0] == "reject":
			call, err = machine.Reject(ctx, id)
		case *durationFlag >= 0:
			d := *durationFlag
			call, err = machine.UpdateStatus(ctx, id, model.CallEnded, &d)
		default:
			call, err = machine.End(ctx, id)
		}
	default:
		return fmt.Errorf("unknown call subcommand: %s", args[0])
	}
	if err != nil {
		return err
	}
	if *jsonFlag {
		outputJSON(call)
		return nil
	}
	fmt.Printf("Call %s %s (%s, %ds)\n", call.ID, call.Status, call.Kind, call.DurationSeconds)
	return nil
}
