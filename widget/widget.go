// Package widget is the example domain: widget types, widgets referencing a
// type through their typeId field, and components located under a widget. It provides key helpers,
// the domain's query kinds, a matcher for in-memory sources, and the
// invalidation rules between the three caches.
package widget

import (
	"fmt"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"github.com/Keksclan/goRawrCache/coordinator"
	"github.com/Keksclan/goRawrCache/item"
	"github.com/Keksclan/goRawrCache/query"
)

// Entity types.
const (
	TypeWidgetType      = "widgetType"
	TypeWidget          = "widget"
	TypeWidgetComponent = "widgetComponent"
)

// Types lists the entity types in dependency order.
func Types() []string {
	return []string{TypeWidgetType, TypeWidget, TypeWidgetComponent}
}

// Field names.
const (
	FieldName   = "name"
	FieldActive = "active"
	FieldTypeID = "typeId"
)

// WidgetTypeKey returns the key of a widget type.
func WidgetTypeKey(id string) item.Key { return item.NewKey(TypeWidgetType, id) }

// WidgetKey returns the key of a widget.
func WidgetKey(id string) item.Key { return item.NewKey(TypeWidget, id) }

// ComponentKey returns the key of a component located under widgetID.
func ComponentKey(widgetID, id string) item.Key {
	return item.NewKey(TypeWidgetComponent, id).Under(item.Location{Type: TypeWidget, ID: widgetID})
}

// InWidget scopes a component query to one widget.
func InWidget(widgetID string) item.Location {
	return item.Location{Type: TypeWidget, ID: widgetID}
}

// Active selects items whose active field is true.
type Active struct{}

func (Active) Name() string         { return "active" }
func (Active) Params() query.Params { return nil }

// OfType selects widgets of one widget type.
type OfType struct {
	TypeID string
}

func (OfType) Name() string           { return "ofType" }
func (k OfType) Params() query.Params { return query.Params{FieldTypeID: k.TypeID} }

// Match is a memsource.Matcher for the widget kinds.
func Match(rec item.Record, d query.Descriptor) (bool, error) {
	switch k := d.Kind.(type) {
	case query.All:
		return true, nil
	case Active:
		active, _ := rec.Fields[FieldActive].(bool)
		return active, nil
	case OfType:
		if rec.Key.Type != TypeWidget {
			return false, cacheerr.Invalid("query", "ofType only applies to widgets")
		}
		return rec.Fields[FieldTypeID] == k.TypeID, nil
	default:
		return false, cacheerr.Invalid("query", fmt.Sprintf("unsupported kind %q", d.Kind.Name()))
	}
}

// Rules is the invalidation table between the widget caches. Removing or
// updating a widget type changes which widgets a type-filtered listing
// returns; removing a widget orphans its components. Every other pair is
// an explicit no-op.
func Rules() *coordinator.Table {
	return coordinator.MustTable(
		coordinator.On(TypeWidgetType).Removed().Updated().Clear(TypeWidget),
		coordinator.On(TypeWidgetType).Created().Nothing(),
		coordinator.On(TypeWidget).Removed().Clear(TypeWidgetComponent).Cascade(),
		coordinator.On(TypeWidget).Created().Updated().Nothing(),
		coordinator.On(TypeWidgetComponent).AnyEvent().Nothing(),
	)
}
