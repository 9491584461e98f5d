// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package models

import (
	"encoding/json"
	"regexp"

	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

func jsonEncode(v interface{}) []byte {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.PanicErrorf(err, "encode to json failed")
	}
	return b
}

func jsonDecode(v interface{}, b []byte) error {
	return errors.Trace(json.Unmarshal(b, v))
}

var productName = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

func ValidateProduct(name string) error {
	if productName.MatchString(name) {
		return nil
	}
	return errors.Errorf("bad product name = %q", name)
}
