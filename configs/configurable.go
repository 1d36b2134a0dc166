package configs

import "reflect"

type Configurable interface {
	Configurable()
}

var configurableType = reflect.TypeFor[Configurable]()
