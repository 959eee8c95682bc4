// Package envutil fills struct fields from environment variables, used to
// apply the DATA_DIR / LOG_LEVEL overrides described in the directory and
// worker CLI environment contract.
package envutil

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SetEnvs sets fields on the struct pointed to by iface from environment
// variables, using the uppercased `env` struct tag as the variable name.
// Fields without the tag are left untouched.
func SetEnvs(iface interface{}) error {
	v := reflect.Indirect(reflect.ValueOf(iface))
	if v.Kind() != reflect.Struct {
		return errors.Errorf("expected struct, received %v", v.Type())
	}
	for i := 0; i < v.Type().NumField(); i++ {
		tag, ok := v.Type().Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		if s, ok := os.LookupEnv(strings.ToUpper(tag)); ok {
			if err := setValue(v.Field(i), s); err != nil {
				return errors.Wrapf(err, "env %s", tag)
			}
		}
	}
	return nil
}

func setValue(v reflect.Value, s string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isDuration(v) {
			d, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(s, 0, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := strconv.ParseUint(s, 0, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	default:
		return errors.Errorf("cannot set value for type: %v", v.Type())
	}
	return nil
}

func isDuration(v reflect.Value) bool {
	return v.Kind() == reflect.Int64 && v.Type().PkgPath() == "time" && v.Type().Name() == "Duration"
}
