package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Parse fills an A from the flags of c. Fields are matched on their `cli:"flag-name"`
// tag, untagged struct fields are walked into, eg. a web.Config inside a command's
// flag struct.
func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct {
				assign(c, field)
			}
			continue
		}
		if c.Value(tag) == nil { // no such flag on this command
			continue
		}

		if field.Type() == durationType {
			field.SetInt(int64(c.Duration(tag)))
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(c.String(tag))
		case reflect.Int:
			field.SetInt(int64(c.Int(tag)))
		case reflect.Int64:
			field.SetInt(c.Int64(tag))
		case reflect.Bool:
			field.SetBool(c.Bool(tag))
		case reflect.Float64:
			field.SetFloat(c.Float64(tag))
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				field.Set(reflect.ValueOf(c.StringSlice(tag)))
			}
		}
	}
}
