package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/chat-relay/internal/proto"
)

// ws_smoke connects two users to the same room, possibly through two relay
// instances, and checks both receive a message sent by the first.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addrA := flag.String("addr", "ws://localhost:3000/ws", "WebSocket address for the sender")
	addrB := flag.String("addr2", "", "WebSocket address for the receiver (defaults to -addr)")
	room := flag.String("room", "smoke", "room name")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	if *addrB == "" {
		*addrB = *addrA
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	suffix := time.Now().Format("150405.000")
	sender := "smoke-a-" + suffix
	receiver := "smoke-b-" + suffix

	connA, err := join(ctx, *addrA, sender, *room)
	if err != nil {
		return err
	}
	defer connA.Close(websocket.StatusNormalClosure, "bye")

	connB, err := join(ctx, *addrB, receiver, *room)
	if err != nil {
		return err
	}
	defer connB.Close(websocket.StatusNormalClosure, "bye")

	// let both inits land before publishing
	time.Sleep(500 * time.Millisecond)

	if err := wsjson.Write(ctx, connA, proto.Inbound{Type: proto.InboundTypeMessage, User: sender, Text: *text}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for name, conn := range map[string]*websocket.Conn{sender: connA, receiver: connB} {
		msg, err := await(ctx, conn, sender, *text)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s received id=%s timestamp=%s\n", name, msg.ID, msg.Timestamp)
	}

	fmt.Println("OK")
	return nil
}

func join(ctx context.Context, addr, user, room string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeInit, User: user, Room: room}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("send init: %w", err)
	}
	return conn, nil
}

func await(ctx context.Context, conn *websocket.Conn, user, text string) (proto.Delivered, error) {
	for {
		var msg proto.Delivered
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return msg, fmt.Errorf("read: %w", err)
		}
		if msg.User == user && msg.Text == text {
			return msg, nil
		}
	}
}
