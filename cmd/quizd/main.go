// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command quizd serves the species quiz API.
//
// Usage:
//
//	go run ./cmd/quizd serve
//	go run ./cmd/quizd serve --config quiz.yaml --port 9090
//	go run ./cmd/quizd config --config quiz.yaml
//
// Example requests:
//
//	# Next question for a client
//	curl -H 'X-Client-ID: alice' 'http://localhost:8080/v1/quiz-question?taxon_ids=3'
//
//	# Submit an answer
//	curl -X POST http://localhost:8080/v1/quiz/submit \
//	  -H "Content-Type: application/json" -H 'X-Client-ID: alice' \
//	  -d '{"round_id": "...", "round_signature": "...", "round_expires_at": 1700000000000, "taxon_id": 10001}'
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
