package main

import (
	"reflect"
	"testing"
)

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"https://app.example.com", "http://localhost:3000", "*.example.org"})
	want := []string{"app.example.com", "localhost:3000", "*.example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("originHosts = %v, want %v", got, want)
	}
}
