package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"assetcook.dev/internal/protocol"
)

// client fetches cooked files from a cook-on-the-fly server, the way a
// device build streams its content at startup.
func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/cook", "ws url")
		platform  = flag.String("platform", "Win64", "target platform")
		outDir    = flag.String("out", "", "write received files under this directory (empty: don't write)")
		precooked = flag.Bool("precooked", false, "list files already cooked before requesting")
	)
	flag.Parse()
	files := flag.Args()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Platform:        *platform,
		ClientName:      "cook-client",
		MaxQueue:        16,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	if *precooked {
		_ = conn.WriteJSON(protocol.PrecookedListRequestMsg{Type: protocol.TypePrecookedListRequest, ProtocolVersion: protocol.Version, ID: "precooked"})
	}
	pending := map[string]string{}
	for i, f := range files {
		id := fmt.Sprintf("F%d", i+1)
		pending[id] = f
		req := protocol.FileRequestMsg{
			Type:            protocol.TypeFileRequest,
			ProtocolVersion: protocol.Version,
			ID:              id,
			Filename:        f,
			IncludeData:     *outDir != "",
		}
		if err := conn.WriteJSON(req); err != nil {
			logger.Fatalf("send FILE_REQUEST: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	waitingList := *precooked

	for len(pending) > 0 || waitingList {
		select {
		case <-stop:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Fatalf("read: %v", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s platform=%s server=%s run=%s", w.SessionID, w.Platform, w.ServerVersion, w.RunID)

		case protocol.TypePrecookedList:
			var l protocol.PrecookedListMsg
			if err := json.Unmarshal(msg, &l); err != nil {
				continue
			}
			waitingList = false
			logger.Printf("PRECOOKED platform=%s files=%d", l.Platform, len(l.Files))

		case protocol.TypeFileReply:
			var r protocol.FileReplyMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			delete(pending, r.ID)
			if !r.Found {
				logger.Printf("MISSING %s", r.Filename)
				continue
			}
			logger.Printf("FILE %s size=%d sha256=%s unsolicited=%d", r.Filename, r.Size, r.SHA256, len(r.Unsolicited))
			for _, u := range r.Unsolicited {
				logger.Printf("  also cooked: %s", u)
			}
			if *outDir != "" && len(r.Data) > 0 {
				if err := writeFile(*outDir, r.Filename, r.Data); err != nil {
					logger.Printf("write %s: %v", r.Filename, err)
				}
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR id=%s code=%s %s", e.ID, e.Code, e.Message)
			if e.ID == "" {
				return
			}
			if e.ID == "precooked" {
				waitingList = false
			}
			delete(pending, e.ID)
		}
	}
}

func writeFile(root, name string, data []byte) error {
	rel := filepath.FromSlash(strings.TrimLeft(name, "/"))
	if strings.HasPrefix(filepath.Clean(rel), "..") {
		return fmt.Errorf("refusing path outside %s", root)
	}
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
