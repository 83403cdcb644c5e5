package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"Sokosumi-Chain/sdk/go/sokosumi"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "sokosumid base URL")
	agent := flag.String("agent", "", "agent to hire")
	input := flag.String("input", "{}", "agent input as JSON")
	credits := flag.String("credits", "10", "maximum accepted credits")
	flag.Parse()
	if *agent == "" {
		log.Fatal("-agent is required")
	}

	var inputData map[string]any
	if err := json.Unmarshal([]byte(*input), &inputData); err != nil {
		log.Fatalf("invalid -input: %v", err)
	}
	maxCredits, err := decimal.NewFromString(*credits)
	if err != nil {
		log.Fatalf("invalid -credits: %v", err)
	}

	client, err := sokosumi.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("SOKOSUMID_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	res, err := client.CreateHire(ctx, sokosumi.HireRequest{
		AgentID:            *agent,
		InputData:          inputData,
		MaxAcceptedCredits: maxCredits,
	})
	if err != nil {
		log.Fatalf("hire failed: %v", err)
	}
	fmt.Printf("hired %s: job %s (status=%s)\n", *agent, res.Job.ID, res.Job.Status)

	job, err := client.WaitForTerminal(ctx, res.Job.ID, 30*time.Second)
	if err != nil {
		log.Fatalf("wait failed: %v", err)
	}
	fmt.Printf("job %s finished with status %s\n", job.ID, job.Status)
	if len(job.Result) > 0 {
		fmt.Println(string(job.Result))
	}
}
