package main

import (
	"testing"
)

func clearParloEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PARLO_BROKER_BASE_URL",
		"PARLO_API_KEY",
		"PARLO_AGENT_ID",
		"PARLO_SERVICE_WS_BASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestParseChatOptionsRequiresCredentials(t *testing.T) {
	clearParloEnv(t)
	if _, err := parseChatOptions(nil); err == nil {
		t.Fatalf("expected error without any credentials")
	}
}

func TestParseChatOptionsFlagOverridesEnv(t *testing.T) {
	clearParloEnv(t)
	t.Setenv("PARLO_BROKER_BASE_URL", "http://env-broker:8787")

	opts, err := parseChatOptions([]string{"-broker-url", "http://flag-broker:9999"})
	if err != nil {
		t.Fatalf("parseChatOptions: %v", err)
	}
	if opts.cfg.BrokerBaseURL != "http://flag-broker:9999" {
		t.Fatalf("broker url = %q", opts.cfg.BrokerBaseURL)
	}
}

func TestParseChatOptionsBrokerFlagAloneIsEnough(t *testing.T) {
	clearParloEnv(t)
	opts, err := parseChatOptions([]string{"-broker-url", "http://localhost:8787"})
	if err != nil {
		t.Fatalf("parseChatOptions: %v", err)
	}
	if opts.cfg.BrokerBaseURL != "http://localhost:8787" {
		t.Fatalf("broker url = %q", opts.cfg.BrokerBaseURL)
	}
}

func TestDynamicVariablesOnlyIncludesProvidedValues(t *testing.T) {
	opts := chatOptions{userName: "Ana", language: "French"}
	vars := opts.dynamicVariables()
	if vars["user_name"] != "Ana" {
		t.Fatalf("user_name = %v", vars["user_name"])
	}
	if vars["target_language"] != "French" {
		t.Fatalf("target_language = %v", vars["target_language"])
	}
	if _, present := vars["language_level"]; present {
		t.Fatalf("unset level included: %v", vars)
	}
}
