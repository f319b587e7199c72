package main

import (
	"flag"
	"fmt"
	"log"

	"escrowd/internal/config"
	"escrowd/internal/handlers"
)

// Dev helper: mints a bearer token for exercising the API by hand.
func main() {
	userID := flag.String("user", "user-1", "user id to embed in the token")
	role := flag.String("role", "buyer", "role: buyer, seller or admin")
	flag.Parse()

	if *role != handlers.RoleBuyer && *role != handlers.RoleSeller && *role != handlers.RoleAdmin {
		log.Fatalf("invalid role %q", *role)
	}

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token, err := handlers.GenerateJWTToken(*userID, *role)
	if err != nil {
		log.Fatalf("Error generating token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated for Testing")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  User ID: %s\n", *userID)
	fmt.Printf("  Role:    %s\n", *role)
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8080/escrows/<order-id>\n", token)
}
