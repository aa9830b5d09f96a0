// Command wskitecho is a minimal end-to-end demo of the server and
// client engines wired together: one process runs both an echo server
// and a client that talks to it over a loopback HTTP listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/wskit/wskit/pkg/envelope"
	"github.com/wskit/wskit/pkg/ratelimit"
	"github.com/wskit/wskit/pkg/route"
	"github.com/wskit/wskit/pkg/serve"
	"github.com/wskit/wskit/pkg/validator"
	"github.com/wskit/wskit/pkg/wsclient"
	"github.com/wskit/wskit/pkg/wsserver"
)

func main() {
	if err := serve.LoadDevEnv(); err != nil {
		log.Fatalf("wskitecho: loading dev env: %v", err)
	}

	router := wsserver.New()

	echoSchema := validator.NewObjectSchema(map[string]validator.Field{
		"message": {Kind: validator.FieldString, Required: true},
	})
	echoDescriptor, err := envelope.NewDescriptor("echo", echoSchema)
	if err != nil {
		log.Fatalf("wskitecho: building echo descriptor: %v", err)
	}

	err = router.Register(echoDescriptor, route.HandlerFunc(func(ctx route.Context, payload any) error {
		fields, _ := payload.(map[string]any)
		return ctx.Send("echo.reply", map[string]any{
			"message": fields["message"],
			"from":    ctx.ClientID(),
		})
	}), wsserver.WithRateLimit(ratelimit.Policy{
		Capacity:        20,
		TokensPerSecond: 20,
	}))
	if err != nil {
		log.Fatalf("wskitecho: registering echo route: %v", err)
	}

	router.OnOpen(func(ctx route.Context) {
		log.Printf("wskitecho: connection opened: %s", ctx.ClientID())
	})
	router.OnClose(func(ctx route.Context, reason string) {
		log.Printf("wskitecho: connection closed: %s (%s)", ctx.ClientID(), reason)
	})

	srv := wsserver.NewServer(router)
	srv.RegisterHealthChecks(1024)
	mux := srv.Handler(wsserver.DefaultHTTPConfig())

	kind, err := serve.Select()
	if err != nil {
		log.Fatalf("wskitecho: selecting runtime: %v", err)
	}
	listener, err := serve.Listener(kind, "127.0.0.1:8089")
	if err != nil {
		log.Fatalf("wskitecho: acquiring listener: %v", err)
	}

	httpServer := &http.Server{Handler: mux}
	srv.RegisterShutdownHooks(httpServer)
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("wskitecho: server stopped: %v", err)
		}
	}()

	client := wsclient.New(wsclient.DefaultConfig("ws://127.0.0.1:8089/ws"))
	client.Handle("echo.reply", func(env *envelope.Envelope) {
		var reply struct {
			Message string `json:"message"`
			From    string `json:"from"`
		}
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			log.Printf("wskitecho: decoding reply: %v", err)
			return
		}
		fmt.Printf("echo.reply from %s: %s\n", reply.From, reply.Message)
	})

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("wskitecho: connecting: %v", err)
	}
	defer client.Close()

	sent, err := client.Send("echo", map[string]any{"message": "hello from wskitecho"})
	if err != nil {
		log.Printf("wskitecho: send rejected: %v", err)
	} else if !sent {
		log.Printf("wskitecho: send dropped by outbound queue")
	}

	time.Sleep(200 * time.Millisecond)
}
