// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package utils

import (
	"strconv"

	"github.com/pikaproxy/pika-proxy/pkg/utils/log"
)

// Argument returns the string value of a docopt option, panicking when the
// option is present without a usable value.
func Argument(d map[string]interface{}, name string) (string, bool) {
	switch v := d[name].(type) {
	case nil:
		return "", false
	case string:
		if v == "" {
			log.Panicf("option %s requires an argument", name)
		}
		return v, true
	default:
		log.Panicf("option %s isn't a valid string", name)
	}
	return "", false
}

func ArgumentInteger(d map[string]interface{}, name string) (int, bool) {
	s, ok := Argument(d, name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.PanicErrorf(err, "option %s isn't a valid integer", name)
	}
	return n, true
}

func ArgumentBool(d map[string]interface{}, name string) bool {
	b, _ := d[name].(bool)
	return b
}
