package workflow

import "posreports/internal/automation"

// Selectors are the back-office page elements the workflow touches.
type Selectors struct {
	LoginEmail    automation.Locator
	LoginPassword automation.Locator
	LoginSubmit   automation.Locator
	LoginError    automation.Locator

	FiltersLink  automation.Locator
	FiltersFrame automation.Locator
	DatesTab     automation.Locator
	DaysInput    automation.Locator
	StoresTab    automation.Locator
	SelectAll    automation.Locator
	ApplyFilters automation.Locator

	EmptyGrid      automation.Locator
	ErrorGrid      automation.Locator
	DownloadButton automation.Locator
	Loading        automation.Locator

	NavMenu    automation.Locator
	LogoutLink automation.Locator
	Overlay    automation.Locator
}

// DefaultSelectors matches the current back-office markup.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginEmail:    automation.ID("email"),
		LoginPassword: automation.ID("pass"),
		LoginSubmit:   automation.CSS("button[type='submit']"),
		LoginError:    automation.CSS("article.error"),

		FiltersLink:  automation.CSS("a[href='#iframe_modal_external']"),
		FiltersFrame: automation.CSS("iframe[src='standalone/filter_dating.html']"),
		DatesTab:     automation.XPath("//a[@data-tab='tab_dates']"),
		DaysInput:    automation.ID("q_days_input"),
		StoresTab:    automation.XPath("//a[@data-tab='tab_establishments']"),
		SelectAll:    automation.XPath("//li[@onclick='select_all_establishments()']"),
		ApplyFilters: automation.CSS("section.buttons a[onclick='save()']"),

		EmptyGrid:      automation.ID("grid_empty"),
		ErrorGrid:      automation.ID("grid_error"),
		DownloadButton: automation.XPath("//button[.//span[text()='Exportar']]"),
		Loading:        automation.CSS(".loading"),

		NavMenu:    automation.ID("navbtn_menu_primary"),
		LogoutLink: automation.LinkText("Cerrar Sesión"),
		Overlay:    automation.CSS("div.valign-wrapper"),
	}
}
