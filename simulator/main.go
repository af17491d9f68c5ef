package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Identity is the answer of the edge cloud connector to an identity request
type Identity struct {
	DeviceID string `json:"deviceId"`
	TenantID string `json:"tenantId"`
	PolicyID string `json:"policyId"`
}

func main() {
	// Command line flags
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	deviceID := flag.String("device-id", "org.eclipse.kanto:test-vehicle", "announced device id")
	tenantID := flag.String("tenant-id", "t1", "announced tenant id")
	policyID := flag.String("policy-id", "org.eclipse.kanto:test-policy", "announced policy id")
	requestTopic := flag.String("request-topic", "edge/thing/request", "identity request topic")
	responseTopic := flag.String("response-topic", "edge/thing/response", "identity response topic")
	commandTopic := flag.String("command-topic", "e/#", "twin command topic filter")
	repeat := flag.Int("repeat", 1, "number of identity responses sent per request")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("vss-twin-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	identity, err := json.Marshal(Identity{DeviceID: *deviceID, TenantID: *tenantID, PolicyID: *policyID})
	if err != nil {
		fmt.Printf("failed to encode identity: %v\n", err)
		os.Exit(1)
	}

	// Answer identity requests
	token := client.Subscribe(*requestTopic, 1, func(c paho.Client, _ paho.Message) {
		fmt.Printf("identity requested, answering with %s\n", identity)
		for i := 0; i < *repeat; i++ {
			t := c.Publish(*responseTopic, 1, false, identity)
			t.Wait()
			if t.Error() != nil {
				fmt.Printf("failed to publish identity: %v\n", t.Error())
			}
		}
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("failed to subscribe to %s: %v\n", *requestTopic, token.Error())
		os.Exit(1)
	}

	// Print twin commands
	token = client.Subscribe(*commandTopic, 0, func(_ paho.Client, msg paho.Message) {
		printCommand(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("failed to subscribe to %s: %v\n", *commandTopic, token.Error())
		os.Exit(1)
	}

	fmt.Printf("waiting for identity requests on %s\n", *requestTopic)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

func printCommand(topic string, payload []byte) {
	var env struct {
		Topic string          `json:"topic"`
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	timestamp := time.Now().Format("15:04:05")
	if err := json.Unmarshal(payload, &env); err != nil {
		fmt.Printf("[%s] %s: undecodable command: %s\n", timestamp, topic, payload)
		return
	}

	var value bytes.Buffer
	if err := json.Compact(&value, env.Value); err != nil {
		value.Write(env.Value)
	}
	fmt.Printf("[%s] %s %s %s = %s\n", timestamp, topic, env.Topic, env.Path, value.String())
}
