package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// statusClientOptions configures the broker connection. The status stream
// runs for the life of the process, so a dropped connection reconnects on
// its own; publishes attempted while disconnected fail and are logged.
func statusClientOptions(broker, clientID string) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("status: broker connection lost, reconnecting: %v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("status: connected to MQTT broker at %s", broker)
		})
}

// RunStatusPublisher mirrors hub events onto an MQTT topic as JSON, for
// field debugging with a laptop broker. It is entirely optional and plays
// no part in delivery: the collector path is the HTTP upload.
func RunStatusPublisher(ctx context.Context, broker, clientID, topic string, hub *Hub) error {
	client := mqtt.NewClient(statusClientOptions(broker, clientID))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	events, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			client.Disconnect(250)
			return nil
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("status: marshal event: %v", err)
				continue
			}
			token := client.Publish(topic, 0, false, payload)
			token.Wait()
			if token.Error() != nil {
				log.Printf("status: publish error: %v", token.Error())
			}
		}
	}
}
