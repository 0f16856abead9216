// Command client is a small interactive terminal client for manual testing.
// It logs in through the api, opens or finds a conversation, connects to the
// gateway and relays stdin lines as messages.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkhare/orgchat/pkg/model"
)

type client struct {
	apiAddr string
	token   string
}

func (c *client) post(path string, body, out any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.apiAddr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) login(userID string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post("/login", map[string]string{"user_id": userID}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// openConversation resolves the target conversation: a deduplicated direct
// one for -dm, otherwise a named group.
func (c *client) openConversation(dmUser, group string) (*model.Conversation, error) {
	var conv model.Conversation
	if dmUser != "" {
		err := c.post("/conversations", map[string]any{"type": "direct", "user_id": dmUser}, &conv)
		return &conv, err
	}
	err := c.post("/conversations", map[string]any{"type": "group", "name": group}, &conv)
	return &conv, err
}

func render(ev *model.Event) {
	switch ev.Kind {
	case model.EventNewMessage:
		if ev.Message != nil {
			fmt.Printf("\r%s: %s\n> ", ev.Message.SenderID, ev.Message.Content)
		}
	case model.EventUserTyping:
		if ev.Typing {
			fmt.Printf("\ruser %s is typing...\n> ", ev.ActorID)
		}
	case model.EventUserJoined:
		fmt.Printf("\ruser %s joined\n> ", ev.UserID)
	case model.EventUserLeft:
		fmt.Printf("\ruser %s left\n> ", ev.UserID)
	case model.EventUserStatusChanged:
		fmt.Printf("\ruser %s is now %s\n> ", ev.UserID, ev.Status)
	default:
		fmt.Printf("\r[%s]\n> ", ev.Kind)
	}
}

func main() {
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway address")
	apiAddr := flag.String("api", "http://localhost:8081", "api base url")
	userID := flag.String("user", "user1", "user id")
	group := flag.String("group", "general", "group conversation name")
	dmUser := flag.String("dm", "", "user id to dm (overrides -group)")
	flag.Parse()

	c := &client{apiAddr: *apiAddr}

	log.Printf("logging in as %s", *userID)
	if err := c.login(*userID); err != nil {
		log.Fatal("login: ", err)
	}

	conv, err := c.openConversation(*dmUser, *group)
	if err != nil {
		log.Fatal("open conversation: ", err)
	}
	log.Printf("conversation %s", conv.ID)

	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+c.token)

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial: ", err)
	}
	defer ws.Close()

	join, _ := json.Marshal(model.ClientOp{Op: model.OpJoinConversation, ConversationID: conv.ID})
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		log.Fatal("join: ", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				log.Println("read: ", err)
				return
			}
			var ev model.Event
			if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind == "" {
				fmt.Printf("\r%s\n> ", raw)
				continue
			}
			render(&ev)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := scanner.Text()
			switch {
			case text == "":
			case text == "/quit":
				close(interrupt)
				return
			case text == "/typing":
				op, _ := json.Marshal(model.ClientOp{Op: model.OpTypingStart, ConversationID: conv.ID})
				if err := ws.WriteMessage(websocket.TextMessage, op); err != nil {
					log.Println("write: ", err)
					return
				}
			default:
				// Messages go through the api so they are persisted before
				// anyone sees them.
				err := c.post("/conversations/"+conv.ID+"/messages", map[string]string{"content": text}, nil)
				if err != nil {
					log.Println("send: ", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")
			err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close: ", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
