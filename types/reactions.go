package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Reactions is the ordered reaction list of a message, stored as a JSON
// column. Implements driver.Valuer and sql.Scanner.
type Reactions []Reaction

// Value return json value, implement driver.Valuer interface
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	ba, err := json.Marshal([]Reaction(r))
	return string(ba), err
}

// Scan scan value into the reaction list, implements sql.Scanner interface
func (r *Reactions) Scan(val interface{}) error {
	var ba []byte
	switch v := val.(type) {
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	case nil:
		*r = Reactions{}
		return nil
	default:
		return errors.New(fmt.Sprint("failed to unmarshal reactions value:", val))
	}
	t := make([]Reaction, 0)
	err := json.Unmarshal(ba, &t)
	*r = Reactions(t)
	return err
}

// GormDataType gorm common data type
func (Reactions) GormDataType() string {
	return "reactions"
}

// GormDBDataType gorm db data type
func (Reactions) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
