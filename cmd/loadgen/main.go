// Command loadgen drives a location-ingest burst against a running server
// and requests a ride, grounded on the teacher's cmd/simulate.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

type coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type locationPayload struct {
	Tier string  `json:"tier"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type createRidePayload struct {
	Pickup        coordinate `json:"pickup"`
	Dest          coordinate `json:"dest"`
	Tier          string     `json:"tier"`
	PaymentMethod string     `json:"payment_method"`
	ClientKey     string     `json:"client_key"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	riderToken := flag.String("rider-token", "", "rider bearer token")
	driverToken := flag.String("driver-token", "", "driver bearer token")
	driverCount := flag.Int("drivers", 200, "number of simulated drivers broadcasting location")
	burstSeconds := flag.Int("burst-seconds", 10, "how long to broadcast locations before requesting a ride")
	lat := flag.Float64("lat", 12.9716, "pickup latitude")
	lng := flag.Float64("lng", 77.5946, "pickup longitude")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < *driverCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			broadcastLocations(client, *api, *driverToken, fmt.Sprintf("loadgen_driver_%d", n), *lat, *lng, stop)
		}(i)
	}

	time.Sleep(time.Duration(*burstSeconds) * time.Second)
	close(stop)
	wg.Wait()

	rideID, err := createRide(client, *api, *riderToken, createRidePayload{
		Pickup:        coordinate{Lat: *lat, Lng: *lng},
		Dest:          coordinate{Lat: *lat + 0.1, Lng: *lng + 0.1},
		Tier:          "standard",
		PaymentMethod: "card",
		ClientKey:     fmt.Sprintf("loadgen_%d", time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("create ride failed: %v", err)
	}
	log.Printf("ride requested: %s", rideID)
}

func broadcastLocations(client *http.Client, api, token, driverID string, lat, lng float64, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			jitterLat := lat + (rand.Float64()-0.5)*0.05
			jitterLng := lng + (rand.Float64()-0.5)*0.05
			_ = postJSON(client, fmt.Sprintf("%s/api/drivers/%s/location", api, driverID), token, locationPayload{
				Tier: "standard", Lat: jitterLat, Lng: jitterLng,
			})
		}
	}
}

func createRide(client *http.Client, api, token string, payload createRidePayload) (string, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/rides", api), bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create ride status: %s", resp.Status)
	}
	var res map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if id, ok := res["ride_id"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("ride_id missing in response")
}

func postJSON(client *http.Client, url, token string, payload any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
