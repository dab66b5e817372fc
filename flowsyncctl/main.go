package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/flowline/flowsync/flowsync"
)

const FlowsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Flowsync control.

The default urls are:
    api_url: https://api.flowline.io
    connect_url: wss://connect.flowline.io/workflows

Usage:
    flowsyncctl login [--api_url=<api_url>] --user_auth=<user_auth>
    flowsyncctl token-claims --jwt=<jwt>
    flowsyncctl watch [--api_url=<api_url>] [--connect_url=<connect_url>]
        [--jwt=<jwt>]
        [--no_auth]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --user_auth=<user_auth>
    --jwt=<jwt>                  Your platform JWT.
    --no_auth                    Connect without a session token.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FlowsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if tokenClaims_, _ := opts.Bool("token-claims"); tokenClaims_ {
		tokenClaims(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.flowline.io"
}

func connectUrl(opts docopt.Opts) string {
	if connectUrl_, err := opts.String("--connect_url"); err == nil && connectUrl_ != "" {
		return connectUrl_
	}
	return "wss://connect.flowline.io/workflows"
}

func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Fatalf("Could not read password: %s", err)
	}

	authApi := flowsync.NewAuthApi(context.Background(), apiUrl(opts))
	defer authApi.Close()

	callback, resultChannel := flowsync.NewBlockingApiCallback[*flowsync.AuthLoginResult]()
	authApi.AuthLogin(&flowsync.AuthLoginArgs{
		UserAuth: userAuth,
		Password: string(passwordBytes),
	}, callback)

	result := <-resultChannel
	if result.Error != nil {
		Err.Fatalf("Login error: %s", result.Error)
	}
	if result.Result.Error != nil {
		Err.Fatalf("Login error: %s", result.Result.Error.Message)
	}
	Out.Printf("%s", result.Result.ByJwt)
}

func tokenClaims(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		Err.Fatalf("Could not parse jwt: %s", err)
	}
	for name, value := range token.Claims.(gojwt.MapClaims) {
		Out.Printf("%s: %v", name, value)
	}
	if expiry := flowsync.TokenExpiry(jwt); !expiry.IsZero() {
		Out.Printf("expires in: %s", time.Until(expiry))
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := flowsync.DefaultConnectionSettings()
	if noAuth_, _ := opts.Bool("--no_auth"); noAuth_ {
		settings.RequireAuth = false
	}

	var tokenProvider flowsync.TokenProvider
	if settings.RequireAuth {
		authApi := flowsync.NewAuthApi(ctx, apiUrl(opts))
		defer authApi.Close()
		if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
			authApi.SetByJwt(jwt)
		}
		tokenProvider = authApi
	}

	monitor := flowsync.NewStateMonitor(ctx)
	defer monitor.Close()

	// one interpolator per active item keeps the printed progress eased
	// instead of jumping with each bursty server update
	interpolators := map[string]*flowsync.Interpolator{}
	defer func() {
		for _, interpolator := range interpolators {
			interpolator.Close()
		}
	}()

	callbacks := monitor.ConnectionCallbacks()
	callbacks.OnConnected = func() {
		Out.Printf("connected")
	}
	callbacks.OnDisconnected = func() {
		Out.Printf("disconnected")
	}

	connection := flowsync.NewConnection(ctx, connectUrl(opts), tokenProvider, callbacks, settings)
	defer connection.Close()
	connection.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		updateChannel := monitor.UpdateChannel()
		select {
		case <-stop:
			connection.Disconnect()
			return
		case <-updateChannel:
			for _, event := range monitor.ActiveItems() {
				interpolator, ok := interpolators[event.Identity]
				if !ok {
					interpolator = flowsync.NewInterpolatorWithDefaults(ctx, nil)
					interpolators[event.Identity] = interpolator
				}
				interpolator.SetTarget(flowsync.Snapshot(event.Payload))

				progress := ""
				if value, ok := interpolator.Display()["progress_percentage"].(float64); ok {
					progress = fmt.Sprintf(" %.1f%%", value)
				}
				Out.Printf("%s %s%s", event.Identity, event.Status, progress)
			}
		}
	}
}
