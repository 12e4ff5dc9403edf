// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package config

import (
	"strings"
	"testing"
)

type MyConfig struct {
	IamString         string
	IamRequiredString string
	IamUint64         uint64
	IamInt32          int32
	IamParsed         string
}

var (
	cfg        = MyConfig{}
	cm  CfgMap = CfgMap{
		"STRING": Config{
			Value:        &cfg.IamString,
			DefaultValue: "default",
			Help:         "helpstring",
			Print:        PrintAll,
		},
		"UINT64": Config{
			Value:        &cfg.IamUint64,
			DefaultValue: uint64(1234),
			Help:         "helpuint64",
			Print:        PrintAll,
		},
		"INT32": Config{
			Value:        &cfg.IamInt32,
			DefaultValue: int32(4321),
			Help:         "helpint32",
			Print:        PrintAll,
		},
	}
)

func TestConfigTypesDefault(t *testing.T) {
	err := Parse(cm)
	if err != nil {
		t.Fatal(err)
	}
}

func TestConfigTypesRequired(t *testing.T) {
	cmr := make(CfgMap)
	for k, v := range cm {
		v.Required = true
		cmr[k] = v
	}
	err := Parse(cmr)
	if err == nil {
		t.Fatal("expected failure, got nil")
	}

	// Set env
	for k, v := range cmr {
		switch v.DefaultValue.(type) {
		case string:
			t.Setenv(k, "ENVSTRING")

		case int32, uint64:
			t.Setenv(k, "31337")
		}
		v.Required = true
		cmr[k] = v
	}
	err = Parse(cmr)
	if err != nil {
		t.Fatal(err)
	}
}

func TestConfigCustomParse(t *testing.T) {
	other := ""
	cmp := CfgMap{
		"PARSED": Config{
			Value:        &cfg.IamParsed,
			DefaultValue: "",
			Help:         "helpparsed",
			Print:        PrintAll,
			Parse: func(envValue string) (any, error) {
				return strings.ToUpper(envValue), nil
			},
		},
		"OTHER": Config{
			Value:        &other,
			DefaultValue: "otherdefault",
			Help:         "helpother",
			Print:        PrintAll,
		},
	}
	t.Setenv("PARSED", "lower")
	if err := Parse(cmp); err != nil {
		t.Fatal(err)
	}
	if cfg.IamParsed != "LOWER" {
		t.Fatalf("expected LOWER, got %v", cfg.IamParsed)
	}
	// Parse must not short-circuit remaining keys.
	if other != "otherdefault" {
		t.Fatalf("expected otherdefault, got %v", other)
	}
}
