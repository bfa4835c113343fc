package chat

import (
	"fmt"
	"strings"
)

// MaxMessageLength is the longest user message sent, in characters.
const MaxMessageLength = 500

// DefaultQuery names the search when none was recorded.
const DefaultQuery = "products"

// Apology replaces the reply when a question could not be answered.
const Apology = "I'm sorry, I'm having trouble analyzing the products right now. Please try again in a moment."

// NoProductsNotice answers a question asked with nothing selected.
const NoProductsNotice = "Please select at least one product to compare before asking a question."

func queryOrDefault(q string) string {
	if q = strings.TrimSpace(q); q == "" {
		return DefaultQuery
	}
	return q
}

// WelcomeText returns the greeting for n products. title is used when only
// one product is selected.
func WelcomeText(n int, title, query string) string {
	query = queryOrDefault(query)
	if n == 1 {
		return fmt.Sprintf("Hi! I'm your QnB AI Adviser. I can help you learn more about this %s from your search for \"%s\". What would you like to know?", title, query)
	}
	return fmt.Sprintf("Hi! I'm your QnB AI Adviser. I can help you compare these %d products from your search for \"%s\". What would you like to know?", n, query)
}

// RemovedText returns the notice appended when the selection shrank during
// a conversation.
func RemovedText(n int, query string) string {
	noun := "products"
	if n == 1 {
		noun = "product"
	}
	return fmt.Sprintf("A product was removed. Now comparing %d %s from your search for \"%s\".", n, noun, queryOrDefault(query))
}

var (
	singleSuggestions = []string{
		"Tell me more about this product",
		"What are its key features?",
		"Is this good value for money?",
		"What are its pros and cons?",
		"Is this the right choice for me?",
	}
	multiSuggestions = []string{
		"Which one has better value for money?",
		"Compare their key features",
		"What are the main differences?",
		"Which one has better reviews?",
		"Compare their prices including shipping",
	}
)

// SuggestedQuestions returns starter questions for n selected products.
func SuggestedQuestions(n int) []string {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return append([]string(nil), singleSuggestions...)
	default:
		return append([]string(nil), multiSuggestions...)
	}
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
