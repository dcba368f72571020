// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// validate is the shared struct validator. validator.Validate caches
// struct metadata and is safe for concurrent use.
var validate = validator.New()

// errNilOutput indicates a collaborator returned a nil value.
var errNilOutput = errors.New("nil output")

// selfValidator is implemented by types with checks the struct tags
// cannot express.
type selfValidator interface {
	Validate() error
}

// CheckSchema validates a collaborator output against its declared schema.
//
// Description:
//
//	Structs (and pointers to structs) are checked with their `validate`
//	tags. Slices are checked element by element. Any value implementing
//	Validate() error is additionally checked with it.
//
// Inputs:
//
//	v - The value to check.
//
// Outputs:
//
//	error - Nil if v conforms. Describes the first violation otherwise.
//
// Thread Safety: Safe for concurrent use.
func CheckSchema(v any) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return errNilOutput
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return errNilOutput
		}
	}

	base := rv
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	switch base.Kind() {
	case reflect.Struct:
		if err := validate.Struct(v); err != nil {
			return err
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < base.Len(); i++ {
			if err := CheckSchema(base.Index(i).Interface()); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}

	if sv, ok := v.(selfValidator); ok {
		if err := sv.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaName returns the schema identifier handed to the repair
// collaborator for T.
func SchemaName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
