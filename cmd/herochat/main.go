// herochat is a line-oriented terminal client for the HeroChat relay.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/carlmjohnson/versioninfo"

	"herochat/client"
	"herochat/keys"
	hlog "herochat/logging"
	"herochat/wire"
)

func main() {
	server := flag.String("s", "127.0.0.1:7777", "server address")
	account := flag.String("u", "", "account name")
	password := flag.String("p", "", "account password")
	keyFile := flag.String("k", "herochat.key", "keypair file")
	logLevel := flag.String("l", "ERROR", "log level")
	version := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("herochat %s\n", versioninfo.Short())
		return
	}
	if *account == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "herochat: -u and -p are required")
		os.Exit(1)
	}

	logBackend, err := hlog.New("", *logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herochat: %v\n", err)
		os.Exit(1)
	}

	pair, err := keys.LoadOrCreate(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herochat: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	transport := client.New(client.Config{
		Server:   *server,
		Account:  *account,
		Password: *password,
		Keys:     pair,
		OnMessage: func(env *wire.Envelope) {
			plaintext, err := pair.Decrypt(env.Payload)
			if err != nil {
				fmt.Printf("<%s> [cannot decrypt: %v]\n", env.Sender, err)
				return
			}
			fmt.Printf("<%s> %s\n", env.Sender, plaintext)
		},
		OnConnectionLost: func() {
			fmt.Println("connection lost")
			close(done)
		},
		OnSessionInvalidated: func() {
			// Liveness probe; nothing to do interactively.
		},
	}, logBackend)

	if err := transport.Dial(); err != nil {
		fmt.Fprintf(os.Stderr, "herochat: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	fmt.Printf("connected to %s as %s\n", *server, *account)
	fmt.Println("commands: /contacts /add <name> /del <name> /accounts /msg <name> <text> /quit")

	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-done:
			return
		case line, ok := <-input:
			if !ok {
				return
			}
			if quit := handle(transport, line); quit {
				return
			}
		}
	}
}

func handle(t *client.Transport, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "/quit":
		return true
	case "/contacts":
		contacts, err := t.Contacts()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(strings.Join(contacts, ", "))
	case "/accounts":
		accounts, err := t.Accounts()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(strings.Join(accounts, ", "))
	case "/add":
		if len(fields) < 2 {
			fmt.Println("usage: /add <name>")
			return false
		}
		if err := t.AddContact(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "/del":
		if len(fields) < 2 {
			fmt.Println("usage: /del <name>")
			return false
		}
		if err := t.RemoveContact(fields[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "/msg":
		if len(fields) < 3 {
			fmt.Println("usage: /msg <name> <text>")
			return false
		}
		text := strings.Join(fields[2:], " ")
		err := t.SendEncrypted(fields[1], []byte(text))
		switch {
		case client.IsDeliveryFailed(err):
			fmt.Printf("%s is not reachable, message not delivered\n", fields[1])
		case err != nil:
			fmt.Println("error:", err)
		}
	default:
		fmt.Println("unknown command")
	}
	return false
}
