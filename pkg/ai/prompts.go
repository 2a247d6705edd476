package ai

// Delimiters of the extraction record protocol. The model is instructed to
// emit delimiter-separated records; the extract package decodes them with
// explicit recovery, so a malformed record never poisons its neighbors.
const (
	TupleDelimiter      = "<|>"
	RecordDelimiter     = "##"
	CompletionDelimiter = "<|COMPLETE|>"
)

// ExtractPrompt drives entity/relationship extraction over one chunk.
// Placeholders: language, entity types, entity types (again), input text.
const ExtractPrompt = `-Goal-
Given a text document that is potentially relevant to this activity and a list of entity types, identify all entities of those types from the text and all relationships among the identified entities.
Use %s as output language.

-Steps-
1. Identify all entities. For each identified entity, extract the following information:
- entity_name: Name of the entity, use same language as input text. If English, capitalize the name.
- entity_type: One of the following types: [%s]
- entity_description: Comprehensive description of the entity's attributes and activities.
Format each entity as ("entity"<|><entity_name><|><entity_type><|><entity_description>)

2. From the entities identified in step 1, identify all pairs of (source_entity, target_entity) that are *clearly related* to each other.
For each pair of related entities, extract the following information:
- source_entity: name of the source entity, as identified in step 1
- target_entity: name of the target entity, as identified in step 1
- relationship_description: explanation as to why you think the source entity and the target entity are related to each other
- relationship_keywords: one or more high-level keywords that summarize the overarching nature of the relationship, focusing on concepts or themes rather than specific details
- relationship_strength: a numeric score indicating strength of the relationship between the source entity and target entity
Format each relationship as ("relationship"<|><source_entity><|><target_entity><|><relationship_description><|><relationship_keywords><|><relationship_strength>)

3. Identify high-level keywords that summarize the main concepts, themes, or topics of the entire text. These should capture the overarching ideas present in the document.
Format the content-level keywords as ("content_keywords"<|><high_level_keywords>)

4. Return output as a single list of all the entities and relationships identified in steps 1 and 2. Use **##** as the list delimiter.

5. When finished, output <|COMPLETE|>

######################
-Examples-
######################
Entity types: [PERSON, TECHNOLOGY, MISSION, ORGANIZATION, LOCATION]
Text:
while Alex clenched his jaw, the buzz of frustration dull against the backdrop of Taylor's authoritarian certainty. It was this competitive undercurrent that kept him alert, the sense that his and Jordan's shared commitment to discovery was an unspoken rebellion against Cruz's narrowing vision of control and order.

Then Taylor did something unexpected. They paused beside Jordan and, for a moment, observed the device with something akin to reverence. "If this tech can be understood..." Taylor said, their voice quieter, "It could change the game for us. For all of us."
################
Output:
("entity"<|>"Alex"<|>"PERSON"<|>"Alex is a character who experiences frustration and is observant of the dynamics among other characters.")##
("entity"<|>"Taylor"<|>"PERSON"<|>"Taylor is portrayed with authoritarian certainty and shows a moment of reverence towards a device, indicating a change in perspective.")##
("entity"<|>"Jordan"<|>"PERSON"<|>"Jordan shares a commitment to discovery and has a significant interaction with Taylor regarding a device.")##
("entity"<|>"Cruz"<|>"PERSON"<|>"Cruz is associated with a vision of control and order, influencing the dynamics among other characters.")##
("entity"<|>"The Device"<|>"TECHNOLOGY"<|>"The Device is central to the story, with potential game-changing implications, and is revered by Taylor.")##
("relationship"<|>"Alex"<|>"Taylor"<|>"Alex is affected by Taylor's authoritarian certainty and observes changes in Taylor's attitude towards the device."<|>"power dynamics, perspective shift"<|>7)##
("relationship"<|>"Alex"<|>"Jordan"<|>"Alex and Jordan share a commitment to discovery, which contrasts with Cruz's vision."<|>"shared goals, rebellion"<|>6)##
("relationship"<|>"Taylor"<|>"The Device"<|>"Taylor shows reverence towards the device, indicating its importance and potential impact."<|>"reverence, technological significance"<|>9)##
("content_keywords"<|>"power dynamics, discovery, rebellion")<|COMPLETE|>
######################
-Real Data-
######################
Entity types: [%s]
Text:
%s
######################
Output:
`

// ContinueExtractionPrompt asks for entities missed by the previous pass,
// continuing the same conversation.
const ContinueExtractionPrompt = `MANY entities were missed in the last extraction. Add them below using the same format:
`

// IfLoopExtractionPrompt asks whether another gleaning round is worthwhile.
// Only a reply starting with "yes" triggers another round.
const IfLoopExtractionPrompt = `It appears some entities may have still been missed. Answer YES | NO if there are still entities that need to be added.
`

// SummarizePrompt collapses a list of accumulated description fragments for
// one entity or relationship into a single coherent paragraph.
// Placeholders: name, description list.
const SummarizePrompt = `You are a helpful assistant responsible for generating a comprehensive summary of the data provided below.
Given one or two entities, and a list of descriptions, all related to the same entity or group of entities.
Please concatenate all of these into a single, comprehensive description. Make sure to include information collected from all the descriptions.
If the provided descriptions are contradictory, please resolve the contradictions and provide a single, coherent summary.
Make sure it is written in third person, and include the entity names so we have the full context.

#######
-Data-
Entities: %s
Description List: %s
#######
Output:
`

// KeywordExtractionPrompt identifies high-level and low-level keywords in a
// user question. The response is requested as structured JSON via
// GenerateCompletionWithFormat; this prompt defines the two keyword classes.
const KeywordExtractionPrompt = `---Role---

You are a helpful assistant tasked with identifying both high-level and low-level keywords in the user's query.

---Goal---

Given the query, list both high-level and low-level keywords. High-level keywords focus on overarching concepts or themes, while low-level keywords focus on specific entities, details, or concrete terms.

---Instructions---

- Output the keywords in JSON format with two keys:
  - "high_level_keywords" for overarching concepts or themes.
  - "low_level_keywords" for specific entities or details.
- Order keywords by relevance, most relevant first.
`
