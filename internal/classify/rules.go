package classify

import "priceflow/internal"

// Static keyword rules per canonical field, english and russian synonyms.
// These are the floor the classifier falls back to when nothing was learned.
var baseRules = map[string][]string{
	internal.FieldUnitNumber: {
		"unit", "unit number", "unit no", "unit #", "no", "номер",
		"юнит", "room", "room no", "unit id", "№", "number", "apartment",
		"apt", "квартира", "condo",
	},
	internal.FieldBedrooms: {
		"bedrooms", "bedroom", "br", "bed", "спальни",
		"спален", "комнат", "beds",
	},
	internal.FieldBathrooms: {
		"bathrooms", "bathroom", "bath", "baths", "ванные", "санузел",
	},
	internal.FieldArea: {
		"area", "size", "sqm", "sq.m", "площадь", "m2", "living area",
		"total area", "area (sqm)", "net area", "gross area", "sq m",
		"м2", "square", "общая",
	},
	internal.FieldFloor: {
		"floor", "flr", "этаж", "level", "storey", "fl", "этаже",
	},
	internal.FieldBuilding: {
		"building", "tower", "block", "здание", "корпус", "bldg",
		"секция", "section",
	},
	internal.FieldPrice: {
		"price", "total price", "цена", "стоимость", "amount",
		"sale price", "selling price", "price (thb)", "price (usd)",
		"cost", "leasehold", "freehold", "apartment price", "unit price",
	},
	internal.FieldPricePerSqm: {
		"price per sqm", "price/sqm", "per sqm", "sqm price",
		"стоимость м2", "цена за м2", "price per m2", "$/sqm",
		"thb/sqm", "price/m2",
	},
	internal.FieldStatus: {
		"status", "availability", "статус", "available", "state",
		"avail", "состояние", "booking status", "продано",
	},
	internal.FieldView: {
		"view", "вид", "view type", "facing", "orientation", "ambience",
	},
	internal.FieldLayout: {
		"layout", "type", "unit type", "планировка", "тип", "plan",
		"layout type",
	},
	internal.FieldPhase: {
		"phase", "фаза", "stage", "этап", "batch",
	},
}
