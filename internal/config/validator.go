// internal/config/validator.go
//
// Thin wrapper around go-playground/validator.
//
// Context
// -------
// `Load` calls `validateStruct` immediately after it unmarshals the merged
// Koanf tree.  Any validation error aborts startup, so routerd never runs
// with partial or malformed configuration.
//
// Besides the built-in rules, `mysql_dsn` checks that the master DSN
// template parses with the driver's own parser.
//
// Notes
// -----
//   - Oxford commas, two spaces after periods.

package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	_ = val.RegisterValidation("mysql_dsn", func(fl validator.FieldLevel) bool {
		_, err := mysql.ParseDSN(fl.Field().String())
		return err == nil
	})
	return val
}

// validateStruct returns the validation errors, or nil on success.
func validateStruct(c *Config) error {
	return v.Struct(c)
}
